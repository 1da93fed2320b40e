// Package nullsink provides a no-op debug sink implementation.
package nullsink

import (
	"image"

	"github.com/user/reexport/pkg/ports"
)

// Sink is a no-op implementation of ports.DebugSink. It discards all
// debug output.
type Sink struct{}

// New creates a new Sink.
func New() *Sink {
	return &Sink{}
}

// Enabled returns false; nullsink discards all output.
func (s *Sink) Enabled() bool {
	return false
}

// SaveTimeMapJSON does nothing.
func (s *Sink) SaveTimeMapJSON(data []byte) error {
	return nil
}

// SaveDecodedFrame does nothing.
func (s *Sink) SaveDecodedFrame(index int, img image.Image) error {
	return nil
}

// SaveComposedFrame does nothing.
func (s *Sink) SaveComposedFrame(index int, img image.Image) error {
	return nil
}

// SaveCodedChunk does nothing.
func (s *Sink) SaveCodedChunk(index int, data []byte) error {
	return nil
}

var _ ports.DebugSink = (*Sink)(nil)
