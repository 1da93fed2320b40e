// Package streamencoder implements ports.Encoder by piping composited
// frames into an ffmpeg subprocess as raw RGBA and reading back a coded
// elementary stream, splitting it into one CodedChunk per submitted
// frame. B-frames are disabled so the encoder never reorders pictures:
// the n-th chunk read from ffmpeg's stdout always corresponds to the
// n-th frame submitted, which lets the reader goroutine attach each
// chunk's PTS/duration/keyframe flag from a FIFO of pending submissions
// rather than parsing the bitstream for timing.
package streamencoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/user/reexport/pkg/exporterr"
	"github.com/user/reexport/pkg/ports"
)

var customFFmpegPath string

// SetFFmpegPath overrides the ffmpeg binary lookup.
func SetFFmpegPath(path string) { customFFmpegPath = path }

func findFFmpeg() (string, error) {
	if customFFmpegPath != "" {
		if _, err := os.Stat(customFFmpegPath); err == nil {
			return customFFmpegPath, nil
		}
		return "", fmt.Errorf("custom ffmpeg path %s not found", customFFmpegPath)
	}
	execName := "ffmpeg"
	if runtime.GOOS == "windows" {
		execName = "ffmpeg.exe"
	}
	if p, err := exec.LookPath(execName); err == nil {
		return p, nil
	}
	for _, p := range []string{"/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg", "/opt/homebrew/bin/ffmpeg"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found on PATH")
}

// pending is a FIFO entry recording what a still-in-flight submission's
// resulting chunk should be stamped with.
type pending struct {
	ptsUs      uint64
	durationUs uint64
	isKey      bool
}

// Encoder implements ports.Encoder over an ffmpeg subprocess.
type Encoder struct {
	mu sync.Mutex

	width, height int
	codecPrefix   string // "avc1" or "av01"

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	onChunk ports.OnChunkFunc

	pendingMu sync.Mutex
	pendingQ  []pending

	inFlight atomic.Int64

	descriptionCaptured bool
	description         ports.CodecDescription

	readerErr  chan error
	closeOnce  sync.Once
}

// New creates an unconfigured Encoder.
func New() *Encoder {
	return &Encoder{}
}

// Configure starts the ffmpeg subprocess for spec.CodecID, always
// resolving to the software backend in this build (see hardware.go).
func (e *Encoder) Configure(spec ports.EncoderSpec, onChunk ports.OnChunkFunc) (ports.EncoderBackend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prefix := codecPrefix(spec.CodecID)
	if prefix != "avc1" && prefix != "av01" {
		return "", exporterr.New(exporterr.CodecUnsupported, "unsupported codec_id %q", spec.CodecID)
	}

	backend := ports.BackendHardware
	if !hardwareAvailable(prefix) {
		backend = ports.BackendSoftware
	}
	if backend != ports.BackendSoftware {
		return "", exporterr.New(exporterr.CodecUnsupported, "no software fallback for codec_id %q", spec.CodecID)
	}

	ffmpegPath, err := findFFmpeg()
	if err != nil {
		return "", exporterr.Wrap(exporterr.CodecUnsupported, err, "locating ffmpeg")
	}

	e.width, e.height = spec.Width, spec.Height
	e.codecPrefix = prefix
	e.onChunk = onChunk
	e.readerErr = make(chan error, 1)

	fps := fmt.Sprintf("%d/%d", spec.FrameRateNum, spec.FrameRateDen)
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", fps,
		"-i", "pipe:0",
	}
	switch prefix {
	case "avc1":
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-tune", "zerolatency",
			"-bf", "0",
			"-g", "150",
			"-pix_fmt", "yuv420p",
			"-b:v", strconv.Itoa(spec.BitrateBps),
			"-f", "h264",
			"pipe:1",
		)
	case "av01":
		args = append(args,
			"-c:v", "libaom-av1",
			"-cpu-used", "6",
			"-bf", "0",
			"-g", "150",
			"-pix_fmt", "yuv420p",
			"-b:v", strconv.Itoa(spec.BitrateBps),
			"-f", "ivf",
			"pipe:1",
		)
	}

	cmd := exec.Command(ffmpegPath, args...)
	cmd.Stderr = &e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", exporterr.Wrap(exporterr.EncoderFailed, err, "open ffmpeg stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", exporterr.Wrap(exporterr.EncoderFailed, err, "open ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		return "", exporterr.Wrap(exporterr.EncoderFailed, err, "start ffmpeg")
	}

	e.cmd = cmd
	e.stdin = stdin

	switch prefix {
	case "avc1":
		go e.readH264(stdout)
	case "av01":
		go e.readIVF(stdout)
	}

	return backend, nil
}

func codecPrefix(codecID string) string {
	idx := strings.Index(codecID, ".")
	if idx < 0 {
		return codecID
	}
	return codecID[:idx]
}

// Submit encodes one frame. The caller releases frame immediately after
// return; Submit copies pixel data into the ffmpeg pipe synchronously but
// treats the round trip to a coded chunk as asynchronous (tracked via
// InFlight), matching the spec's async-enqueue contract.
func (e *Encoder) Submit(ctx context.Context, frame ports.CompositedFrame, forceKeyframe bool) error {
	e.mu.Lock()
	stdin := e.stdin
	w, h := e.width, e.height
	e.mu.Unlock()

	if stdin == nil {
		return exporterr.New(exporterr.EncoderFailed, "submit before configure")
	}

	rgba := toRGBA(frame.Image, w, h)

	e.pendingMu.Lock()
	e.pendingQ = append(e.pendingQ, pending{
		ptsUs:      frame.EffTsUs,
		durationUs: frame.DurationUs,
		isKey:      forceKeyframe,
	})
	e.pendingMu.Unlock()
	e.inFlight.Add(1)

	if _, err := stdin.Write(rgba.Pix); err != nil {
		return exporterr.Wrap(exporterr.EncoderFailed, err, "write frame to ffmpeg")
	}
	return nil
}

func toRGBA(img image.Image, w, h int) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Dx() == w && rgba.Bounds().Dy() == h {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

// InFlight returns frames submitted minus chunks emitted so far.
func (e *Encoder) InFlight() int64 {
	return e.inFlight.Load()
}

// Flush closes ffmpeg's stdin and awaits the reader goroutine draining
// every remaining chunk.
func (e *Encoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return nil
	}
	stdin.Close()

	select {
	case err := <-e.readerErr:
		if err != nil && err != io.EOF {
			return exporterr.Wrap(exporterr.EncoderFailed, err, "ffmpeg stream ended: %s", e.stderr.String())
		}
	case <-ctx.Done():
		return exporterr.Wrap(exporterr.Cancelled, ctx.Err(), "flush cancelled")
	}
	return nil
}

// Close terminates the ffmpeg process if still running.
func (e *Encoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.stdin != nil {
			e.stdin.Close()
		}
		if e.cmd != nil && e.cmd.Process != nil {
			e.cmd.Wait()
		}
	})
	return err
}

// deliver stamps and forwards one decoded chunk, popping its metadata off
// the pending FIFO.
func (e *Encoder) deliver(data []byte) {
	e.pendingMu.Lock()
	if len(e.pendingQ) == 0 {
		e.pendingMu.Unlock()
		return
	}
	p := e.pendingQ[0]
	e.pendingQ = e.pendingQ[1:]
	e.pendingMu.Unlock()

	chunk := ports.CodedChunk{
		Data:       data,
		PtsUs:      p.ptsUs,
		DurationUs: p.durationUs,
		IsKey:      p.isKey,
	}

	meta := ports.ChunkMeta{}
	if !e.descriptionCaptured && p.isKey {
		if desc, ok := e.buildDescription(data); ok {
			e.description = desc
			e.descriptionCaptured = true
		}
	}
	meta.Description = e.description

	e.inFlight.Add(-1)
	e.onChunk(chunk, meta)
}

func (e *Encoder) buildDescription(data []byte) (ports.CodecDescription, bool) {
	switch e.codecPrefix {
	case "avc1":
		sps, pps := extractSPSPPS(data)
		if sps == nil || pps == nil {
			return ports.CodecDescription{}, false
		}
		// DescriptionBlob carries raw SPS/PPS, length-prefixed, so the muxer
		// can call mp4.CreateAvcC itself rather than round-tripping an
		// encoded avcC box.
		var buf bytes.Buffer
		writeLP(&buf, sps)
		writeLP(&buf, pps)
		return ports.CodecDescription{
			CodecID:         "avc1",
			CodedWidth:      e.width,
			CodedHeight:     e.height,
			DescriptionBlob: buf.Bytes(),
			ColorSpace:      ports.DefaultColorSpace(),
		}, true
	case "av01":
		seqHdr := extractSequenceHeader(data)
		if seqHdr == nil {
			return ports.CodecDescription{}, false
		}
		return ports.CodecDescription{
			CodecID:         "av01",
			CodedWidth:      e.width,
			CodedHeight:     e.height,
			DescriptionBlob: seqHdr,
			ColorSpace:      ports.DefaultColorSpace(),
		}, true
	}
	return ports.CodecDescription{}, false
}

// readH264 scans the Annex-B stream from ffmpeg as bytes arrive, delivering
// each access unit to e.deliver as soon as the following NAL's start code
// shows it is complete, rather than waiting for stdout to hit EOF. Waiting
// for EOF would starve Encoder.InFlight — it only drops once a chunk is
// delivered — and deadlock the pipeline's backpressure wait on anything
// longer than MaxInFlight frames, since EOF only happens once Flush closes
// stdin after every frame has already been submitted.
func (e *Encoder) readH264(stdout io.ReadCloser) {
	reader := bufio.NewReaderSize(stdout, 64*1024)

	var buf []byte
	var group [][]byte
	hasVCL := false

	flush := func() {
		if len(group) == 0 {
			return
		}
		if !e.descriptionCaptured {
			// convertToAVCC drops SPS/PPS, so the description is recovered
			// from the Annex-B form of the access unit before conversion.
			var annexB []byte
			for _, nalu := range group {
				annexB = append(annexB, 0, 0, 0, 1)
				annexB = append(annexB, nalu...)
			}
			if desc, ok := e.buildDescription(annexB); ok {
				e.description = desc
				e.descriptionCaptured = true
			}
		}
		e.deliver(convertToAVCC(group))
		group = nil
		hasVCL = false
	}

	feed := func(nalu []byte) {
		if len(nalu) == 0 {
			return
		}
		nalType := nalu[0] & 0x1F
		isVCL := nalType == 1 || nalType == 5
		if nalType == 7 && hasVCL {
			flush()
		}
		if isVCL {
			if hasVCL {
				flush()
			}
			hasVCL = true
		}
		group = append(group, nalu)
	}

	chunk := make([]byte, 32*1024)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var complete [][]byte
			complete, buf = splitCompleteNALUs(buf)
			for _, nalu := range complete {
				feed(nalu)
			}
		}
		if err != nil {
			feed(buf) // final NALU has no trailing start code; EOF completes it
			buf = nil
			flush()
			if err == io.EOF {
				err = nil
			}
			e.readerErr <- err
			return
		}
	}
}

// splitCompleteNALUs extracts every NAL unit fully delimited by a following
// Annex-B start code from buf, returning them in stream order plus the
// trailing bytes after the last start code found (the NALU still being
// received, kept for the next call once more bytes arrive).
func splitCompleteNALUs(buf []byte) (nalus [][]byte, rest []byte) {
	for {
		idx, codeLen := nextStartCode(buf)
		if idx < 0 {
			return nalus, buf
		}
		if idx > 0 {
			nalus = append(nalus, buf[:idx])
		}
		buf = buf[idx+codeLen:]
	}
}

// nextStartCode finds the first Annex-B start code (00 00 01 or 00 00 00 01)
// in data, returning its index and length, or (-1, 0) if none is present.
func nextStartCode(data []byte) (idx, length int) {
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				return i, 3
			}
			if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				return i, 4
			}
		}
	}
	return -1, 0
}

// readIVF strips the IVF container ffmpeg wraps AV1 OBUs in, delivering
// one CodedChunk per IVF frame (already 1:1 with submitted frames).
func (e *Encoder) readIVF(stdout io.ReadCloser) {
	header := make([]byte, 32)
	if _, err := io.ReadFull(stdout, header); err != nil {
		e.readerErr <- err
		return
	}

	for {
		frameHeader := make([]byte, 12)
		if _, err := io.ReadFull(stdout, frameHeader); err != nil {
			e.readerErr <- err
			return
		}
		size := binary.LittleEndian.Uint32(frameHeader[0:4])
		payload := make([]byte, size)
		if _, err := io.ReadFull(stdout, payload); err != nil {
			e.readerErr <- err
			return
		}
		e.deliver(payload)
	}
}

func parseAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := 0
	i := 0
	for i < len(data) {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 {
			startCodeLen := 0
			if data[i+2] == 1 {
				startCodeLen = 3
			} else if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				startCodeLen = 4
			}
			if startCodeLen > 0 {
				if i > start {
					nalus = append(nalus, data[start:i])
				}
				i += startCodeLen
				start = i
				continue
			}
		}
		i++
	}
	if start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

func extractSPSPPS(annexBAccessUnit []byte) (sps, pps []byte) {
	for _, nalu := range parseAnnexB(annexBAccessUnit) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case 7:
			if sps == nil {
				sps = append([]byte(nil), nalu...)
			}
		case 8:
			if pps == nil {
				pps = append([]byte(nil), nalu...)
			}
		}
	}
	return sps, pps
}

// convertToAVCC rewrites an Annex-B access unit (already split from the
// stream) into length-prefixed AVCC sample data, dropping SPS/PPS which
// live in the sample entry's avcC box instead.
func convertToAVCC(nalus [][]byte) []byte {
	var buf bytes.Buffer
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		nalType := nalu[0] & 0x1F
		if nalType == 7 || nalType == 8 {
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
		buf.Write(lenBuf[:])
		buf.Write(nalu)
	}
	return buf.Bytes()
}

func extractSequenceHeader(data []byte) []byte {
	offset := 0
	for offset < len(data) {
		header := data[offset]
		obuType := (header >> 3) & 0x0F
		hasExtension := (header >> 2) & 0x01
		hasSizeField := (header >> 1) & 0x01
		offset++
		if hasExtension == 1 && offset < len(data) {
			offset++
		}
		var obuSize int
		if hasSizeField == 1 {
			obuSize, offset = readLeb128(data, offset)
		} else {
			obuSize = len(data) - offset
		}
		if obuType == 1 {
			startOffset := offset - 1
			if hasExtension == 1 {
				startOffset--
			}
			endOffset := offset + obuSize
			if endOffset > len(data) {
				endOffset = len(data)
			}
			return data[startOffset:endOffset]
		}
		offset += obuSize
	}
	return nil
}

// writeLP appends a 2-byte big-endian length prefix followed by data.
func writeLP(buf *bytes.Buffer, data []byte) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readLeb128(data []byte, offset int) (int, int) {
	value := 0
	for i := 0; i < 8 && offset < len(data); i++ {
		b := data[offset]
		offset++
		value |= int(b&0x7F) << (i * 7)
		if b&0x80 == 0 {
			break
		}
	}
	return value, offset
}

var _ ports.Encoder = (*Encoder)(nil)
