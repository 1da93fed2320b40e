package ports

import "context"

// MuxerSpec configures a Muxer for one output file.
type MuxerSpec struct {
	Width, Height int
	FrameRateNum  uint64
	FrameRateDen  uint64
	DurationUs    uint64
}

// Muxer assembles coded chunks into a container file. Chunks must be added
// in the exact order Encoder emitted them; the first chunk's ChunkMeta
// carries the CodecDescription used to build the container's sample entry.
type Muxer interface {
	// Init opens dst for writing and prepares the container's static boxes.
	// Fails with MuxerInit.
	Init(spec MuxerSpec, dst string) error

	// AddChunk appends a coded chunk as one movie fragment. Fails with
	// MissingCodecDescription if called before the encoder has produced a
	// CodecDescription, or MuxFailed on a write error.
	AddChunk(ctx context.Context, chunk CodedChunk, meta ChunkMeta) error

	// Finalize writes the trailing boxes and closes dst. Fails with
	// EmptyOutput if no chunks were ever added.
	Finalize(ctx context.Context) error

	// Close releases muxer resources without finalizing. Safe to call after
	// Finalize or on an error path in place of it.
	Close() error
}
