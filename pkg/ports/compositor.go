package ports

import (
	"context"
	"image"
)

// RenderConfig configures a FrameCompositor for the lifetime of an export.
type RenderConfig struct {
	OutputWidth, OutputHeight int
	SourceWidth, SourceHeight int
	EditLayers                interface{} // opaque; concrete shape is exportspec.EditLayers
}

// FrameCompositor renders one output frame at a time from a decoded source
// frame plus the source timestamp that identifies it. It is deterministic:
// identical inputs and EditLayers always produce a pixel-identical result.
type FrameCompositor interface {
	// Init prepares the compositor for a run. Fails with CompositorInit.
	Init(cfg RenderConfig) error

	// Render draws frame into the compositor's single internal target.
	// Calling Render again overwrites that target. The caller retains
	// ownership of frame and must release it after Render returns.
	Render(ctx context.Context, frame DecodedFrame, srcTsUs uint64) error

	// Target borrows the current render target, valid until the next
	// Render or Destroy call.
	Target() image.Image

	// Destroy releases compositor resources.
	Destroy() error
}
