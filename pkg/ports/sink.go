package ports

import "image"

// DebugSink abstracts optional debug artifact output for one export run. A
// disabled sink accepts every call as a no-op so callers never branch on
// Enabled() before writing.
type DebugSink interface {
	// Enabled returns true if debug output is enabled.
	Enabled() bool

	// SaveTimeMapJSON saves the resolved effective->source time mapping
	// decisions as JSON (the pipeline writes the normalized trim set, the
	// frame period and the total frame count).
	SaveTimeMapJSON(data []byte) error

	// SaveDecodedFrame saves a raw decoded source frame, indexed by the
	// order it was pulled from the SourceReader.
	SaveDecodedFrame(index int, img image.Image) error

	// SaveComposedFrame saves a composited output frame, indexed by output
	// frame number.
	SaveComposedFrame(index int, img image.Image) error

	// SaveCodedChunk saves the raw bytes of a coded chunk, indexed by
	// submission order.
	SaveCodedChunk(index int, data []byte) error
}
