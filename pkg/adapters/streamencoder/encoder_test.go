package streamencoder

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/reexport/pkg/ports"
)

func TestParseAnnexB_SplitsStartCodes(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x68, 0xBB, 0, 0, 1, 0x65, 0xCC}
	nalus := parseAnnexB(data)
	require.Len(t, nalus, 3)
	assert.Equal(t, byte(0x67), nalus[0][0])
	assert.Equal(t, byte(0x68), nalus[1][0])
	assert.Equal(t, byte(0x65), nalus[2][0])
}

func TestConvertToAVCC_DropsSPSPPSAddsLengthPrefix(t *testing.T) {
	sps := []byte{0x67, 0x01, 0x02}
	pps := []byte{0x68, 0x03}
	vcl := []byte{0x65, 0x04, 0x05, 0x06}

	out := convertToAVCC([][]byte{sps, pps, vcl})

	require.Len(t, out, 4+len(vcl))
	gotSize := binary.BigEndian.Uint32(out[0:4])
	assert.Equal(t, uint32(len(vcl)), gotSize)
	assert.Equal(t, vcl, out[4:])
}

func TestExtractSPSPPS(t *testing.T) {
	au := []byte{}
	au = append(au, 0, 0, 0, 1)
	au = append(au, 0x67, 0xAA, 0xBB)
	au = append(au, 0, 0, 0, 1)
	au = append(au, 0x68, 0xCC)
	au = append(au, 0, 0, 0, 1)
	au = append(au, 0x65, 0xDD)

	sps, pps := extractSPSPPS(au)
	require.NotNil(t, sps)
	require.NotNil(t, pps)
	assert.Equal(t, byte(0x67), sps[0])
	assert.Equal(t, byte(0x68), pps[0])
}

func TestReadLeb128_SingleByte(t *testing.T) {
	value, offset := readLeb128([]byte{0x05}, 0)
	assert.Equal(t, 5, value)
	assert.Equal(t, 1, offset)
}

func TestReadLeb128_MultiByte(t *testing.T) {
	// 300 = 0b1_0010_1100 -> LEB128: 0xAC 0x02
	value, offset := readLeb128([]byte{0xAC, 0x02}, 0)
	assert.Equal(t, 300, value)
	assert.Equal(t, 2, offset)
}

func TestExtractSequenceHeader_FindsTypeOne(t *testing.T) {
	// OBU header: forbidden(0) type(4)=1 ext(0) has_size(1) reserved(0) => 0b0_0001_0_1_0 = 0x0A
	seqHdrPayload := []byte{0x11, 0x22, 0x33}
	var obu []byte
	obu = append(obu, 0x0A) // header: type=1, has_size=1
	obu = append(obu, byte(len(seqHdrPayload)))
	obu = append(obu, seqHdrPayload...)

	// Prefix with an unrelated OBU (type 2, has_size=1, size=2).
	other := []byte{0x12, 0x02, 0xFF, 0xFF}

	data := append(append([]byte{}, other...), obu...)

	got := extractSequenceHeader(data)
	require.NotNil(t, got)
	assert.Contains(t, string(got), string(seqHdrPayload))
}

func TestWriteLP_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writeLP(&buf, []byte{0x01, 0x02, 0x03})
	data := buf.Bytes()
	n := binary.BigEndian.Uint16(data[0:2])
	assert.Equal(t, uint16(3), n)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data[2:5])
}

func TestCodecPrefix(t *testing.T) {
	cases := map[string]string{
		"avc1.640033":   "avc1",
		"av01.0.04M.08": "av01",
		"avc1":          "avc1",
	}
	for in, want := range cases {
		assert.Equal(t, want, codecPrefix(in), "codecPrefix(%q)", in)
	}
}

func TestHardwareAvailable_AlwaysFalse(t *testing.T) {
	assert.False(t, hardwareAvailable("avc1"))
	assert.False(t, hardwareAvailable("av01"))
}

func TestNextStartCode(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0xAA, 0, 0, 1, 0xBB}
	idx, length := nextStartCode(data)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 4, length)

	idx, length = nextStartCode(data[4:])
	assert.Equal(t, 1, idx)
	assert.Equal(t, 3, length)

	idx, _ = nextStartCode([]byte{0xAA, 0xBB})
	assert.Equal(t, -1, idx)
}

func TestSplitCompleteNALUs_HoldsBackTrailingIncompleteNALU(t *testing.T) {
	sc := []byte{0, 0, 0, 1}
	var buf []byte
	buf = append(buf, sc...)
	buf = append(buf, 0x67, 0xAA) // SPS, complete once the next start code appears
	buf = append(buf, sc...)
	buf = append(buf, 0x68, 0xBB) // PPS, still being received: no trailing start code yet

	nalus, rest := splitCompleteNALUs(buf)
	require.Len(t, nalus, 1)
	assert.Equal(t, byte(0x67), nalus[0][0])
	assert.Equal(t, []byte{0x68, 0xBB}, rest)
}

// TestReadH264_DeliversAccessUnitBeforeStreamEnds is a regression test for a
// deadlock: reading the whole avc1 stdout stream with io.ReadAll before
// parsing meant no chunk was ever delivered — and InFlight never dropped —
// until ffmpeg exited at Flush. On any clip longer than MaxInFlight frames,
// the pipeline's backpressure wait would then block forever. This drives
// readH264 over an io.Pipe and asserts the first access unit is delivered
// while the pipe is still open, before the second one is even written.
func TestReadH264_DeliversAccessUnitBeforeStreamEnds(t *testing.T) {
	delivered := make(chan []byte, 2)
	e := &Encoder{
		codecPrefix: "avc1",
		readerErr:   make(chan error, 1),
		onChunk: func(chunk ports.CodedChunk, meta ports.ChunkMeta) {
			delivered <- chunk.Data
		},
		pendingQ: []pending{
			{ptsUs: 0, durationUs: 33333, isKey: true},
			{ptsUs: 33333, durationUs: 33333, isKey: false},
		},
	}

	pr, pw := io.Pipe()
	go e.readH264(pr)

	sc := []byte{0, 0, 0, 1}
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	vcl1 := []byte{0x65, 0x03}
	vcl2 := []byte{0x41, 0x04}

	var firstAU []byte
	firstAU = append(firstAU, sc...)
	firstAU = append(firstAU, sps...)
	firstAU = append(firstAU, sc...)
	firstAU = append(firstAU, pps...)
	firstAU = append(firstAU, sc...)
	firstAU = append(firstAU, vcl1...)
	firstAU = append(firstAU, sc...) // closes vcl1
	firstAU = append(firstAU, vcl2...)
	firstAU = append(firstAU, sc...) // closes vcl2, triggers flush of the first AU

	writeErr := make(chan error, 1)
	go func() {
		_, err := pw.Write(firstAU)
		writeErr <- err
	}()
	require.NoError(t, <-writeErr)

	select {
	case data := <-delivered:
		require.NotEmpty(t, data)
	case <-time.After(2 * time.Second):
		t.Fatal("expected first access unit delivered before stream close")
	}

	require.NoError(t, pw.Close())

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected second access unit delivered on EOF")
	}

	select {
	case err := <-e.readerErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected readerErr to receive nil on clean EOF")
	}
}
