package ports

import "context"

// SourceInfo describes the opened source clip.
type SourceInfo struct {
	Width         int
	Height        int
	DurationUs    uint64
	FrameRateNum  uint64
	FrameRateDen  uint64
}

// SourceReader decodes frames from a source clip addressed by time. It is
// single-producer: the caller must not issue an overlapping FrameAt call.
type SourceReader interface {
	// Open resolves uri and returns the clip's dimensions and duration.
	Open(ctx context.Context, uri string) (SourceInfo, error)

	// FrameAt seeks to srcTsUs (skipping the seek if the decoder already
	// sits within 1ms of it) and returns the frame at that position. When
	// srcTsUs lies past the end of the source, the last available frame is
	// returned rather than an error.
	FrameAt(ctx context.Context, srcTsUs uint64) (DecodedFrame, error)

	// Close releases decoder resources.
	Close() error
}
