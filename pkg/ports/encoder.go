package ports

import "context"

// CodedChunk is a single coded access unit emitted by the encoder, in
// submission order.
type CodedChunk struct {
	Data       []byte
	PtsUs      uint64
	DurationUs uint64
	IsKey      bool
}

// CodecDescription is the per-stream metadata the container needs to
// decode the bitstream. Captured from the first CodedChunk and reused for
// every later chunk's metadata.
type CodecDescription struct {
	CodecID         string
	CodedWidth      int
	CodedHeight     int
	DescriptionBlob []byte
	ColorSpace      ColorSpace
}

// ChunkMeta accompanies every CodedChunk delivered to OnChunk.
type ChunkMeta struct {
	Description CodecDescription
}

// EncoderBackend names which underlying implementation actually served an
// EncoderSpec after Configure's hardware->software fallback.
type EncoderBackend string

const (
	BackendHardware EncoderBackend = "prefer-hardware"
	BackendSoftware EncoderBackend = "prefer-software"
)

// EncoderSpec configures an Encoder for one export.
type EncoderSpec struct {
	Width, Height int
	FrameRateNum  uint64
	FrameRateDen  uint64
	BitrateBps    int
	CodecID       string
}

// OnChunkFunc receives coded chunks in strict submission order.
type OnChunkFunc func(chunk CodedChunk, meta ChunkMeta)

// Encoder accepts CompositedFrames in presentation order and asynchronously
// produces CodedChunks. State machine: Unconfigured -> Configured ->
// {Flushing -> Closed | Closed}. Submit is only legal in Configured.
type Encoder interface {
	// Configure tries a hardware backend first, then software; fails with
	// CodecUnsupported if neither supports spec.CodecID. onChunk is called,
	// in submission order, for every produced chunk.
	Configure(spec EncoderSpec, onChunk OnChunkFunc) (EncoderBackend, error)

	// Submit asynchronously enqueues frame. The caller releases frame
	// immediately after Submit returns; the encoder must not retain it.
	Submit(ctx context.Context, frame CompositedFrame, forceKeyframe bool) error

	// InFlight returns frames submitted minus chunks emitted so far.
	InFlight() int64

	// Flush awaits drain of all in-flight encodes.
	Flush(ctx context.Context) error

	// Close releases encoder resources. Safe to call after Flush or on an
	// error path without a prior Flush.
	Close() error
}
