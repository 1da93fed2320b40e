// Package ffsourcereader implements ports.SourceReader over an ffmpeg
// subprocess, so the pipeline can pull frames from any container/codec
// ffmpeg understands rather than being limited to one bitstream.
package ffsourcereader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/user/reexport/pkg/exporterr"
	"github.com/user/reexport/pkg/ports"
)

var customFFmpegPath, customFFprobePath string

// SetFFmpegPath overrides the ffmpeg binary lookup, mirroring the
// configurability of the codec adapters.
func SetFFmpegPath(path string) { customFFmpegPath = path }

// SetFFprobePath overrides the ffprobe binary lookup.
func SetFFprobePath(path string) { customFFprobePath = path }

func findBinary(custom, name string) (string, error) {
	if custom != "" {
		if _, err := os.Stat(custom); err == nil {
			return custom, nil
		}
		return "", fmt.Errorf("custom path %s for %s not found", custom, name)
	}
	execName := name
	if runtime.GOOS == "windows" {
		execName += ".exe"
	}
	if p, err := exec.LookPath(execName); err == nil {
		return p, nil
	}
	for _, p := range []string{"/usr/bin/" + execName, "/usr/local/bin/" + execName, "/opt/homebrew/bin/" + execName} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found on PATH", name)
}

// Reader implements ports.SourceReader by shelling out to ffmpeg/ffprobe
// per frame. It is single-producer by construction: Open and FrameAt take
// an internal mutex, matching the "single-flight seeks" design note; Close
// does not.
type Reader struct {
	mu         sync.Mutex
	ffmpegPath string
	uri        string
	info       ports.SourceInfo
}

// New creates an unopened Reader.
func New() *Reader {
	return &Reader{}
}

// Open probes uri with ffprobe and resolves the ffmpeg binary used by
// FrameAt.
func (r *Reader) Open(ctx context.Context, uri string) (ports.SourceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ffmpegPath, err := findBinary(customFFmpegPath, "ffmpeg")
	if err != nil {
		return ports.SourceInfo{}, exporterr.Wrap(exporterr.SourceUnavailable, err, "locating ffmpeg")
	}
	ffprobePath, err := findBinary(customFFprobePath, "ffprobe")
	if err != nil {
		return ports.SourceInfo{}, exporterr.Wrap(exporterr.SourceUnavailable, err, "locating ffprobe")
	}

	if _, err := os.Stat(uri); err != nil {
		return ports.SourceInfo{}, exporterr.Wrap(exporterr.SourceUnavailable, err, "source %s", uri)
	}

	info, err := probe(ctx, ffprobePath, uri)
	if err != nil {
		return ports.SourceInfo{}, exporterr.Wrap(exporterr.UnsupportedFormat, err, "probing %s", uri)
	}

	r.ffmpegPath = ffmpegPath
	r.uri = uri
	r.info = info
	return info, nil
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	CodecType  string `json:"codec_type"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

func probe(ctx context.Context, ffprobePath, uri string) (ports.SourceInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,codec_type:format=duration",
		"-of", "json",
		uri,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ports.SourceInfo{}, fmt.Errorf("ffprobe: %w: %s", err, stderr.String())
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return ports.SourceInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return ports.SourceInfo{}, fmt.Errorf("no video stream found")
	}
	stream := parsed.Streams[0]

	num, den, err := parseRational(stream.RFrameRate)
	if err != nil {
		return ports.SourceInfo{}, err
	}

	durationSec, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64)
	if err != nil {
		return ports.SourceInfo{}, fmt.Errorf("parse duration: %w", err)
	}

	return ports.SourceInfo{
		Width:        stream.Width,
		Height:       stream.Height,
		DurationUs:   uint64(durationSec * 1_000_000),
		FrameRateNum: num,
		FrameRateDen: den,
	}, nil
}

func parseRational(s string) (uint64, uint64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unparseable frame rate %q", s)
	}
	num, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse frame rate numerator: %w", err)
	}
	den, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse frame rate denominator: %w", err)
	}
	if den == 0 {
		den = 1
	}
	return num, den, nil
}

// FrameAt seeks to srcTsUs and decodes the single frame that lands there.
// srcTsUs past the end of the source is clamped to the last known
// duration, per the spec's mandated clamping behavior.
func (r *Reader) FrameAt(ctx context.Context, srcTsUs uint64) (ports.DecodedFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clamped := srcTsUs
	if r.info.DurationUs > 0 && clamped >= r.info.DurationUs {
		clamped = r.info.DurationUs - 1
	}

	img, err := r.extractFrame(ctx, clamped)
	if err != nil {
		// SeekFailed is retried once per frame with a fresh seek.
		img, err = r.extractFrame(ctx, clamped)
		if err != nil {
			return ports.DecodedFrame{}, exporterr.Wrap(exporterr.SeekFailed, err, "seeking to %dus", clamped)
		}
	}

	return ports.NewDecodedFrame(img, srcTsUs, nil), nil
}

func (r *Reader) extractFrame(ctx context.Context, srcTsUs uint64) (image.Image, error) {
	outFile, err := os.CreateTemp("", "reexport_frame_*.png")
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	seekArg := fmt.Sprintf("%.6f", float64(srcTsUs)/1_000_000)
	cmd := exec.CommandContext(ctx, r.ffmpegPath,
		"-y",
		"-ss", seekArg,
		"-i", r.uri,
		"-frames:v", "1",
		"-f", "image2",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, exporterr.Wrap(exporterr.DecodeFailed, err, "ffmpeg extract at %s: %s", seekArg, stderr.String())
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("open extracted frame: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, exporterr.Wrap(exporterr.DecodeFailed, err, "decode extracted frame")
	}
	return img, nil
}

// Close releases reader resources. The ffmpeg-subprocess-per-frame design
// holds nothing open between calls, so Close is a no-op.
func (r *Reader) Close() error {
	return nil
}
