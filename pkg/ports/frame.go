// Package ports defines the narrow collaborator interfaces the export
// pipeline drives: the source reader, frame compositor, encoder, muxer,
// logger, and debug sink. Concrete implementations live under
// pkg/adapters.
package ports

import "image"

// DecodedFrame is a frame decoded from the source clip, bound to the
// source timestamp it was captured at. The pipeline holds exclusive
// ownership of the underlying image until Release is called.
type DecodedFrame struct {
	Image     image.Image
	SrcTsUs   uint64
	release   func()
	released  bool
}

// NewDecodedFrame wraps img with an optional release callback (used by
// pooling readers to recycle backing buffers).
func NewDecodedFrame(img image.Image, srcTsUs uint64, release func()) DecodedFrame {
	return DecodedFrame{Image: img, SrcTsUs: srcTsUs, release: release}
}

// Release returns any pooled resources backing this frame. Safe to call
// more than once; only the first call has effect.
func (f *DecodedFrame) Release() {
	if f.released {
		return
	}
	f.released = true
	if f.release != nil {
		f.release()
	}
}

// ColorSpace is the fixed color-space descriptor every CompositedFrame
// carries. This pipeline hard-codes a single convention (§9 open
// question, resolved): bt709 primaries, iec61966-2-1 transfer, rgb
// matrix, full range.
type ColorSpace struct {
	Primaries string
	Transfer  string
	Matrix    string
	FullRange bool
}

// DefaultColorSpace is the pipeline's fixed output color-space convention.
func DefaultColorSpace() ColorSpace {
	return ColorSpace{Primaries: "bt709", Transfer: "iec61966-2-1", Matrix: "rgb", FullRange: true}
}

// CompositedFrame is a fully-rendered output frame bound to an effective
// timestamp, ready to hand to the encoder.
type CompositedFrame struct {
	Image       image.Image
	EffTsUs     uint64
	DurationUs  uint64
	ColorSpace  ColorSpace
	release     func()
	released    bool
}

// NewCompositedFrame wraps img as a CompositedFrame at effTsUs with the
// pipeline's fixed one-frame-period duration and color space.
func NewCompositedFrame(img image.Image, effTsUs, durationUs uint64, release func()) CompositedFrame {
	return CompositedFrame{
		Image:      img,
		EffTsUs:    effTsUs,
		DurationUs: durationUs,
		ColorSpace: DefaultColorSpace(),
		release:    release,
	}
}

// Release returns any pooled resources backing this frame.
func (f *CompositedFrame) Release() {
	if f.released {
		return
	}
	f.released = true
	if f.release != nil {
		f.release()
	}
}
