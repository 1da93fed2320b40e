// Package exportspec defines the declarative, immutable input to an export
// run: dimensions, codec, bitrate, framerate, trim intervals, and the
// opaque edit layers handed to the compositor.
package exportspec

import (
	"github.com/user/reexport/pkg/exporterr"
	"github.com/user/reexport/pkg/timemap"
)

// ZoomRegion crops to Rect for every frame whose source timestamp lies in
// [StartUs, EndUs). Easing is carried in the spec but not applied by the
// compositor: the window does not animate in or out.
type ZoomRegion struct {
	StartUs uint64  `yaml:"start_us"`
	EndUs   uint64  `yaml:"end_us"`
	Rect    Rect    `yaml:"rect"`
	Easing  string  `yaml:"easing"` // "linear", "ease-in-out", ...
}

// Rect is a normalized [0,1] region of the source frame.
type Rect struct {
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// CropRect is a fixed, non-animated crop applied before any zoom.
type CropRect struct {
	Enabled bool `yaml:"enabled"`
	Rect    Rect `yaml:"rect"`
}

// Wallpaper fills any area of the output canvas not covered by the source
// frame (e.g. when the output aspect ratio differs from the source's).
type Wallpaper struct {
	Color     string `yaml:"color"`      // hex, e.g. "#1a1a2e"
	ImageURI  string `yaml:"image_uri"`  // optional; not drawn, the compositor fills with Color only
}

// Shadow draws a drop shadow behind the composited source frame.
type Shadow struct {
	BlurRadius float64 `yaml:"blur_radius"`
	Color      string  `yaml:"color"`
	OffsetX    float64 `yaml:"offset_x"`
	OffsetY    float64 `yaml:"offset_y"`
}

// Annotation overlays styled text within a time range.
type Annotation struct {
	StartUs uint64          `yaml:"start_us"`
	EndUs   uint64          `yaml:"end_us"`
	Text    string          `yaml:"text"`
	Rect    Rect            `yaml:"rect"`
	Style   AnnotationStyle `yaml:"style"`
}

// AnnotationStyle controls annotation text rendering.
type AnnotationStyle struct {
	FontSize float64 `yaml:"font_size"`
	Color    string  `yaml:"color"`
	Align    string  `yaml:"align"` // "left", "center", "right"
}

// EditLayers is the concrete shape of the opaque compositor payload the
// spec describes as "zoom regions, crop, wallpaper, shadow, annotations,
// etc.". The FrameCompositor resolves each layer against the source
// timestamp of the frame it is rendering.
type EditLayers struct {
	Zooms       []ZoomRegion `yaml:"zooms"`
	Crop        CropRect     `yaml:"crop"`
	Wallpaper   Wallpaper    `yaml:"wallpaper"`
	Shadow      *Shadow      `yaml:"shadow"`
	Annotations []Annotation `yaml:"annotations"`
}

// ExportSpec is immutable once an export begins.
type ExportSpec struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	FrameRateNum uint64 `yaml:"frame_rate_num"`
	FrameRateDen uint64 `yaml:"frame_rate_den"`

	BitrateBps int    `yaml:"bitrate_bps"`
	CodecID    string `yaml:"codec_id"`

	SourceURI string `yaml:"source_uri"`

	Trims []timemap.Interval `yaml:"trims"`

	EditLayers EditLayers `yaml:"edit_layers"`
}

// DefaultExportSpec returns a spec with the pipeline's documented default
// codec and a 30fps, 1080p, 8 Mbps baseline.
func DefaultExportSpec() ExportSpec {
	return ExportSpec{
		Width:        1920,
		Height:       1080,
		FrameRateNum: 30,
		FrameRateDen: 1,
		BitrateBps:   8_000_000,
		CodecID:      "avc1.640033",
	}
}

// Validate rejects a spec that cannot be exported, per the InvalidSpec
// taxonomy entry: non-positive or odd dimensions, non-positive framerate,
// non-positive bitrate, empty codec id or source URI, or trims whose end
// does not follow their start. Trims that exceed the source are checked
// separately once source duration is known, via
// TimeMap.EffectiveDurationUs.
func (s ExportSpec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return exporterr.New(exporterr.InvalidSpec, "width and height must be positive, got %dx%d", s.Width, s.Height)
	}
	if s.Width%2 != 0 || s.Height%2 != 0 {
		return exporterr.New(exporterr.InvalidSpec, "width and height must be even, got %dx%d", s.Width, s.Height)
	}
	if s.FrameRateNum == 0 || s.FrameRateDen == 0 {
		return exporterr.New(exporterr.InvalidSpec, "frame_rate_hz must be a positive rational, got %d/%d", s.FrameRateNum, s.FrameRateDen)
	}
	if s.BitrateBps <= 0 {
		return exporterr.New(exporterr.InvalidSpec, "bitrate_bps must be positive, got %d", s.BitrateBps)
	}
	if s.CodecID == "" {
		return exporterr.New(exporterr.InvalidSpec, "codec_id must not be empty")
	}
	if s.SourceURI == "" {
		return exporterr.New(exporterr.InvalidSpec, "source_uri must not be empty")
	}
	for _, iv := range s.Trims {
		if iv.StartUs >= iv.EndUs {
			return exporterr.New(exporterr.InvalidSpec, "invalid trim interval [%d,%d)", iv.StartUs, iv.EndUs)
		}
	}
	return nil
}

// FramePeriodUs is the exact rational frame period, truncated to whole
// microseconds. TimeMap uses the exact rational internally for
// TotalFrames; this truncated value is what gets stamped onto every
// CompositedFrame and CodedChunk as duration_us.
func (s ExportSpec) FramePeriodUs() uint64 {
	return (1_000_000 * s.FrameRateDen) / s.FrameRateNum
}

// TimeMap builds the TimeMap this spec implies.
func (s ExportSpec) TimeMap() *timemap.TimeMap {
	return timemap.NewFromRate(s.FrameRateNum, s.FrameRateDen, s.Trims)
}
