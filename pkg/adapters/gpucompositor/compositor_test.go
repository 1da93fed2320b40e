package gpucompositor

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/user/reexport/pkg/adapters/ggrenderer"
	"github.com/user/reexport/pkg/exportspec"
	"github.com/user/reexport/pkg/ports"
)

func solidFrame(w, h int, c color.Color) ports.DecodedFrame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return ports.DecodedFrame{Image: img}
}

func TestCompositor_RenderProducesOutputDimensions(t *testing.T) {
	c := New(ggrenderer.New())
	if err := c.Init(ports.RenderConfig{
		OutputWidth: 200, OutputHeight: 100,
		SourceWidth: 100, SourceHeight: 100,
		EditLayers: exportspec.EditLayers{},
	}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	frame := solidFrame(100, 100, color.RGBA{R: 255, A: 255})
	if err := c.Render(context.Background(), frame, 0); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	out := c.Target()
	if out.Bounds().Dx() != 200 || out.Bounds().Dy() != 100 {
		t.Errorf("expected 200x100 output, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestCompositor_RenderNilImageErrors(t *testing.T) {
	c := New(ggrenderer.New())
	if err := c.Init(ports.RenderConfig{OutputWidth: 10, OutputHeight: 10, EditLayers: exportspec.EditLayers{}}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := c.Render(context.Background(), ports.DecodedFrame{}, 0); err == nil {
		t.Error("expected error for nil decoded frame")
	}
}

func TestCompositor_ShadowWithBlurRadiusDraftsBlurredMask(t *testing.T) {
	c := New(ggrenderer.New())
	layers := exportspec.EditLayers{
		Shadow: &exportspec.Shadow{BlurRadius: 8, Color: "#000000a0", OffsetX: 4, OffsetY: 4},
	}
	if err := c.Init(ports.RenderConfig{
		OutputWidth: 120, OutputHeight: 120,
		SourceWidth: 100, SourceHeight: 100,
		EditLayers: layers,
	}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	frame := solidFrame(100, 100, color.RGBA{G: 255, A: 255})
	if err := c.Render(context.Background(), frame, 0); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if c.Target() == nil {
		t.Fatal("expected a rendered target")
	}
}

func TestBlurredRect_ShrinksAndUpsamplesToRequestedSize(t *testing.T) {
	mask := blurredRect(64, 64, color.RGBA{R: 10, A: 200}, 8)
	if mask.Bounds().Dx() != 64 || mask.Bounds().Dy() != 64 {
		t.Fatalf("expected 64x64 mask, got %dx%d", mask.Bounds().Dx(), mask.Bounds().Dy())
	}

	// The center pixel of a blurred solid-color fill should still carry
	// visible alpha rather than being fully transparent.
	_, _, _, a := mask.At(32, 32).RGBA()
	if a == 0 {
		t.Error("expected center of blurred shadow mask to be non-transparent")
	}
}

func TestBlurredRect_DegenerateSizeReturnsEmptyImage(t *testing.T) {
	mask := blurredRect(0, 10, color.Black, 4)
	if mask.Bounds().Dx() != 0 {
		t.Errorf("expected empty mask for zero width, got width %d", mask.Bounds().Dx())
	}
}

func TestParseColor_HexWithAndWithoutAlpha(t *testing.T) {
	c := parseColor("#ff0000", color.Black).(color.RGBA)
	if c.R != 255 || c.G != 0 || c.B != 0 || c.A != 255 {
		t.Errorf("unexpected color: %+v", c)
	}

	c = parseColor("#00ff0080", color.Black).(color.RGBA)
	if c.G != 255 || c.A != 0x80 {
		t.Errorf("unexpected color with alpha: %+v", c)
	}

	fallback := color.RGBA{R: 1, G: 2, B: 3, A: 4}
	if got := parseColor("not-a-color", fallback); got != color.Color(fallback) {
		t.Errorf("expected fallback color, got %+v", got)
	}
}

func TestFitRect_LetterboxesWiderSource(t *testing.T) {
	x, y, w, h := fitRect(200, 100, 100, 100)
	if w != 100 || h != 50 {
		t.Errorf("expected 100x50 fitted rect, got %dx%d", w, h)
	}
	if x != 0 || y != 25 {
		t.Errorf("expected centered at (0,25), got (%d,%d)", x, y)
	}
}
