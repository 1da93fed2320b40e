// Package filesink provides a file-based debug sink implementation.
package filesink

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/user/reexport/pkg/ports"
)

// Sink saves debug output to files under baseDir.
type Sink struct {
	baseDir  string
	fs       ports.FileSystem
	renderer ports.Renderer
}

// New creates a new Sink writing under baseDir.
func New(baseDir string, fs ports.FileSystem, renderer ports.Renderer) *Sink {
	return &Sink{
		baseDir:  baseDir,
		fs:       fs,
		renderer: renderer,
	}
}

// Enabled returns true; a Sink is only constructed when debug output was
// requested.
func (s *Sink) Enabled() bool {
	return true
}

// SaveTimeMapJSON saves the resolved effective->source time mapping.
func (s *Sink) SaveTimeMapJSON(data []byte) error {
	path := filepath.Join(s.baseDir, "timemap.json")
	return s.fs.WriteFile(path, data)
}

// SaveDecodedFrame saves a raw decoded source frame.
func (s *Sink) SaveDecodedFrame(index int, img image.Image) error {
	return s.saveFrame("decoded", index, img)
}

// SaveComposedFrame saves a composited output frame.
func (s *Sink) SaveComposedFrame(index int, img image.Image) error {
	return s.saveFrame("composed", index, img)
}

func (s *Sink) saveFrame(subdir string, index int, img image.Image) error {
	dir := filepath.Join(s.baseDir, "frames", subdir)
	if err := s.fs.MkdirAll(dir); err != nil {
		return err
	}
	data, err := s.renderer.EncodeImage(img, ports.FormatPNG, 0)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", subdir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("frame-%06d.png", index))
	return s.fs.WriteFile(path, data)
}

// SaveCodedChunk saves the raw bytes of one coded chunk.
func (s *Sink) SaveCodedChunk(index int, data []byte) error {
	dir := filepath.Join(s.baseDir, "chunks")
	if err := s.fs.MkdirAll(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk-%06d.bin", index))
	return s.fs.WriteFile(path, data)
}

var _ ports.DebugSink = (*Sink)(nil)
