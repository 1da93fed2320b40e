// Package fmp4muxer implements ports.Muxer by writing a fragmented MP4
// (ftyp + moov, then one moof+mdat per chunk) directly to disk with
// github.com/Eyevinn/mp4ff. Unlike the teacher's batch h264encoder/mp4.go
// and av1encoder/mp4.go, which build one in-memory buffer once all frames
// are known, this muxer writes incrementally: the static boxes are
// deferred until the first AddChunk supplies a CodecDescription, and every
// subsequent chunk is appended as its own movie fragment.
package fmp4muxer

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Eyevinn/mp4ff/av1"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/user/reexport/pkg/adapters/codecdetect"
	"github.com/user/reexport/pkg/exporterr"
	"github.com/user/reexport/pkg/ports"
)

// splitSPSPPS parses the length-prefixed SPS/PPS blob streamencoder writes
// into ports.CodecDescription.DescriptionBlob for avc1 codecs.
func splitSPSPPS(blob []byte) (sps, pps []byte, err error) {
	sps, rest, err := readLP(blob)
	if err != nil {
		return nil, nil, err
	}
	pps, _, err = readLP(rest)
	if err != nil {
		return nil, nil, err
	}
	return sps, pps, nil
}

func readLP(data []byte) (value, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("truncated length-prefixed field")
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return nil, nil, fmt.Errorf("length-prefixed field exceeds buffer")
	}
	return data[2 : 2+n], data[2+n:], nil
}

// Muxer implements ports.Muxer.
type Muxer struct {
	mu sync.Mutex

	spec ports.MuxerSpec
	dst  string
	f    *os.File

	initialized bool
	seqNum      uint32
	chunkCount  int
	timescale   uint32
	codecID     string
}

// New builds an unopened Muxer.
func New() *Muxer {
	return &Muxer{}
}

// Init opens dst for writing; the container's ftyp/moov are deferred until
// the first chunk supplies a CodecDescription.
func (m *Muxer) Init(spec ports.MuxerSpec, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Create(dst)
	if err != nil {
		return exporterr.Wrap(exporterr.MuxerInit, err, "creating output %s", dst)
	}

	m.spec = spec
	m.dst = dst
	m.f = f
	m.timescale = uint32(spec.FrameRateNum)
	if spec.FrameRateDen > 1 {
		m.timescale = uint32(spec.FrameRateNum / spec.FrameRateDen)
		if m.timescale == 0 {
			m.timescale = uint32(spec.FrameRateNum)
		}
	}
	if m.timescale == 0 {
		m.timescale = 1000
	}
	m.seqNum = 1
	return nil
}

// AddChunk writes one movie fragment. The first call must carry a codec
// description; every later call reuses the sample entry established then.
func (m *Muxer) AddChunk(ctx context.Context, chunk ports.CodedChunk, meta ports.ChunkMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return exporterr.New(exporterr.MuxFailed, "add_chunk before init")
	}

	if !m.initialized {
		if meta.Description.CodecID == "" || meta.Description.CodedWidth == 0 {
			return exporterr.New(exporterr.MissingCodecDescription, "first chunk missing codec description")
		}
		if err := m.writeStaticBoxes(meta.Description); err != nil {
			return exporterr.Wrap(exporterr.MuxFailed, err, "writing ftyp/moov")
		}
		m.initialized = true
		m.codecID = meta.Description.CodecID
	}

	frag, err := mp4.CreateFragment(m.seqNum, 1)
	if err != nil {
		return exporterr.Wrap(exporterr.MuxFailed, err, "create fragment %d", m.seqNum)
	}
	m.seqNum++

	// Durations round to the nearest tick, and decode times follow the frame
	// index (PtsUs is i*DurationUs): at 30fps a 33333us period is 0.99999
	// ticks, which truncating division would turn into 0 for frame 1.
	dur := uint32((chunk.DurationUs*uint64(m.timescale) + 500_000) / 1_000_000)
	if dur == 0 {
		dur = 1
	}
	decodeTime := chunk.PtsUs * uint64(m.timescale) / 1_000_000
	if chunk.DurationUs > 0 {
		decodeTime = chunk.PtsUs / chunk.DurationUs * uint64(dur)
	}

	flags := mp4.NonSyncSampleFlags
	if chunk.IsKey {
		flags = mp4.SyncSampleFlags
	}

	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Size:  uint32(len(chunk.Data)),
			Dur:   dur,
		},
		DecodeTime: decodeTime,
		Data:       chunk.Data,
	})

	if err := frag.Encode(m.f); err != nil {
		return exporterr.Wrap(exporterr.MuxFailed, err, "encoding fragment %d", m.seqNum-1)
	}
	m.chunkCount++
	return nil
}

// writeStaticBoxes emits ftyp and the init segment's moov, sized for the
// codec named in desc.
func (m *Muxer) writeStaticBoxes(desc ports.CodecDescription) error {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(m.timescale, "video", "en")
	trak := init.Moov.Trak

	width := uint16(desc.CodedWidth)
	height := uint16(desc.CodedHeight)

	sampleEntry, err := buildSampleEntry(desc, width, height)
	if err != nil {
		return err
	}
	trak.Mdia.Minf.Stbl.Stsd.AddChild(sampleEntry)

	trak.Tkhd.Width = mp4.Fixed32(desc.CodedWidth << 16)
	trak.Tkhd.Height = mp4.Fixed32(desc.CodedHeight << 16)

	brand := "isom"
	compatible := []string{"isom", "iso2", "mp41"}
	if strings.HasPrefix(desc.CodecID, "av01") {
		compatible = append(compatible, "av01")
	} else {
		compatible = append(compatible, "avc1")
	}
	ftyp := mp4.NewFtyp(brand, 0x200, compatible)
	if err := ftyp.Encode(m.f); err != nil {
		return fmt.Errorf("encode ftyp: %w", err)
	}
	if err := init.Moov.Encode(m.f); err != nil {
		return fmt.Errorf("encode moov: %w", err)
	}
	return nil
}

func buildSampleEntry(desc ports.CodecDescription, width, height uint16) (mp4.Box, error) {
	switch {
	case strings.HasPrefix(desc.CodecID, "av01"):
		av1C := &mp4.Av1CBox{
			CodecConfRec: av1.CodecConfRec{
				Version:              1,
				SeqProfile:           0,
				SeqLevelIdx0:         8,
				SeqTier0:             0,
				HighBitdepth:         0,
				TwelveBit:            0,
				MonoChrome:           0,
				ChromaSubsamplingX:   1,
				ChromaSubsamplingY:   1,
				ChromaSamplePosition: 0,
				ConfigOBUs:           desc.DescriptionBlob,
			},
		}
		return mp4.CreateVisualSampleEntryBox("av01", width, height, av1C), nil
	default:
		sps, pps, err := splitSPSPPS(desc.DescriptionBlob)
		if err != nil {
			return nil, fmt.Errorf("parse avc description: %w", err)
		}
		avcC, err := mp4.CreateAvcC([][]byte{sps}, [][]byte{pps}, true)
		if err != nil {
			return nil, fmt.Errorf("create avcC: %w", err)
		}
		return mp4.CreateVisualSampleEntryBox("avc1", width, height, avcC), nil
	}
}

// Finalize flushes and closes the output file, then re-reads the sample
// entry it just wrote to confirm it actually carries the codec family
// requested by the first chunk's CodecDescription. writeStaticBoxes
// dispatches on a CodecID string prefix to pick between an avc1 and an
// av01 sample entry box; this catches the two staying out of sync
// (a caller supplying av01 media stamped with an avc1 CodecID, or vice
// versa) before the file leaves the muxer.
func (m *Muxer) Finalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return exporterr.New(exporterr.MuxFailed, "finalize before init")
	}
	if m.chunkCount == 0 {
		m.f.Close()
		return exporterr.New(exporterr.EmptyOutput, "no chunks added")
	}
	if err := m.f.Close(); err != nil {
		return exporterr.Wrap(exporterr.MuxFailed, err, "closing output %s", m.dst)
	}
	m.f = nil

	if err := verifyCodecFamily(m.dst, m.codecID); err != nil {
		return err
	}
	return nil
}

func verifyCodecFamily(dst, codecID string) error {
	want := codecFamily(codecID)
	if want == codecdetect.CodecUnknown {
		return nil
	}
	got, err := codecdetect.DetectFromFile(dst)
	if err != nil {
		return exporterr.Wrap(exporterr.MuxFailed, err, "inspecting finalized output %s", dst)
	}
	if got != want {
		return exporterr.New(exporterr.MuxFailed, "finalized output %s carries codec %s, expected %s for codec_id %q", dst, got, want, codecID)
	}
	return nil
}

func codecFamily(codecID string) codecdetect.Codec {
	switch {
	case strings.HasPrefix(codecID, "av01"):
		return codecdetect.CodecAV1
	case strings.HasPrefix(codecID, "avc1"), strings.HasPrefix(codecID, "avc3"):
		return codecdetect.CodecH264
	default:
		return codecdetect.CodecUnknown
	}
}

// Close releases the output file without finalizing, safe to call after
// Finalize or on an error path in its place.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

var _ ports.Muxer = (*Muxer)(nil)
