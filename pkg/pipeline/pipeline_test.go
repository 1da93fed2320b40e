package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/user/reexport/pkg/exporterr"
	"github.com/user/reexport/pkg/exportspec"
	"github.com/user/reexport/pkg/ports"
	"github.com/user/reexport/pkg/timemap"
)

// fakeReader is a hand-written ports.SourceReader test double.
type fakeReader struct {
	info      ports.SourceInfo
	openErr   error
	frameErr  map[uint64]error
	closeErr  error
	mu        sync.Mutex
	openCalls int
}

func (r *fakeReader) Open(ctx context.Context, uri string) (ports.SourceInfo, error) {
	r.mu.Lock()
	r.openCalls++
	r.mu.Unlock()
	if r.openErr != nil {
		return ports.SourceInfo{}, r.openErr
	}
	return r.info, nil
}

func (r *fakeReader) FrameAt(ctx context.Context, srcTsUs uint64) (ports.DecodedFrame, error) {
	if r.frameErr != nil {
		if err, ok := r.frameErr[srcTsUs]; ok {
			return ports.DecodedFrame{}, err
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, r.info.Width, r.info.Height))
	return ports.NewDecodedFrame(img, srcTsUs, nil), nil
}

func (r *fakeReader) Close() error { return r.closeErr }

// fakeCompositor is a hand-written ports.FrameCompositor test double.
type fakeCompositor struct {
	mu         sync.Mutex
	renderErr  error
	renderCnt  int
	destroyed  bool
	initCalled bool
	target     image.Image
}

func (c *fakeCompositor) Init(cfg ports.RenderConfig) error {
	c.initCalled = true
	c.target = image.NewRGBA(image.Rect(0, 0, cfg.OutputWidth, cfg.OutputHeight))
	return nil
}

func (c *fakeCompositor) Render(ctx context.Context, frame ports.DecodedFrame, srcTsUs uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderCnt++
	if c.renderErr != nil {
		return c.renderErr
	}
	return nil
}

func (c *fakeCompositor) Target() image.Image { return c.target }

func (c *fakeCompositor) Destroy() error {
	c.destroyed = true
	return nil
}

// fakeEncoder is a hand-written ports.Encoder test double that delivers
// each submitted frame synchronously as one chunk.
type fakeEncoder struct {
	mu          sync.Mutex
	onChunk     ports.OnChunkFunc
	submitErr   error
	submitCount int
	closed      bool
}

func (e *fakeEncoder) Configure(spec ports.EncoderSpec, onChunk ports.OnChunkFunc) (ports.EncoderBackend, error) {
	e.onChunk = onChunk
	return ports.BackendSoftware, nil
}

func (e *fakeEncoder) Submit(ctx context.Context, frame ports.CompositedFrame, forceKeyframe bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return e.submitErr
	}
	e.submitCount++
	e.onChunk(ports.CodedChunk{
		Data:       []byte{0x00},
		PtsUs:      frame.EffTsUs,
		DurationUs: frame.DurationUs,
		IsKey:      forceKeyframe,
	}, ports.ChunkMeta{Description: ports.CodecDescription{
		CodecID:     "avc1",
		CodedWidth:  1,
		CodedHeight: 1,
	}})
	return nil
}

func (e *fakeEncoder) InFlight() int64 { return 0 }

func (e *fakeEncoder) Flush(ctx context.Context) error { return nil }

func (e *fakeEncoder) Close() error {
	e.closed = true
	return nil
}

// deferredEncoder holds every submitted chunk without invoking on_chunk
// until release is requested, unlike fakeEncoder's synchronous immediate
// delivery. This lets tests observe genuine backpressure: mainLoop must
// actually block acquiring the Pipeline's semaphore rather than racing
// past it, since nothing here ever drains in-flight frames on its own.
type deferredEncoder struct {
	mu      sync.Mutex
	onChunk ports.OnChunkFunc
	held    []func()
}

func (e *deferredEncoder) Configure(spec ports.EncoderSpec, onChunk ports.OnChunkFunc) (ports.EncoderBackend, error) {
	e.onChunk = onChunk
	return ports.BackendSoftware, nil
}

func (e *deferredEncoder) Submit(ctx context.Context, frame ports.CompositedFrame, forceKeyframe bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	deliver := func() {
		e.onChunk(ports.CodedChunk{
			Data:       []byte{0x00},
			PtsUs:      frame.EffTsUs,
			DurationUs: frame.DurationUs,
			IsKey:      forceKeyframe,
		}, ports.ChunkMeta{Description: ports.CodecDescription{
			CodecID:     "avc1",
			CodedWidth:  1,
			CodedHeight: 1,
		}})
	}
	e.held = append(e.held, deliver)
	return nil
}

func (e *deferredEncoder) InFlight() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.held))
}

func (e *deferredEncoder) releaseAll() {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.mu.Unlock()
	for _, deliver := range held {
		deliver()
	}
}

func (e *deferredEncoder) Flush(ctx context.Context) error {
	e.releaseAll()
	return nil
}

func (e *deferredEncoder) Close() error { return nil }

// fakeMuxer is a hand-written ports.Muxer test double.
type fakeMuxer struct {
	mu          sync.Mutex
	addErr      error
	finalizeErr error
	chunks      []ports.CodedChunk
	initialized bool
	finalized   bool
	closed      bool
}

func (m *fakeMuxer) Init(spec ports.MuxerSpec, dst string) error {
	m.initialized = true
	return nil
}

func (m *fakeMuxer) AddChunk(ctx context.Context, chunk ports.CodedChunk, meta ports.ChunkMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.chunks = append(m.chunks, chunk)
	return nil
}

func (m *fakeMuxer) Finalize(ctx context.Context) error {
	m.finalized = true
	return m.finalizeErr
}

func (m *fakeMuxer) Close() error {
	m.closed = true
	return nil
}

// fakeFS is a hand-written ports.FileSystem test double backed by a map.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{files: map[string][]byte{}} }

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file: " + path)
	}
	return data, nil
}

func (f *fakeFS) WriteFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFS) MkdirAll(path string) error { return nil }

func (f *fakeFS) Exists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

// fakeSink is a hand-written ports.DebugSink test double.
type fakeSink struct{ enabled bool }

func (s *fakeSink) Enabled() bool                                    { return s.enabled }
func (s *fakeSink) SaveTimeMapJSON(data []byte) error                { return nil }
func (s *fakeSink) SaveDecodedFrame(index int, img image.Image) error { return nil }
func (s *fakeSink) SaveComposedFrame(index int, img image.Image) error { return nil }
func (s *fakeSink) SaveCodedChunk(index int, data []byte) error      { return nil }

// fakeLogger is a hand-written ports.Logger test double that discards
// everything, mirroring logger.NoopLogger's shape without importing it.
type fakeLogger struct{}

func (l *fakeLogger) Debug(msg string, args ...interface{})       {}
func (l *fakeLogger) Info(msg string, args ...interface{})        {}
func (l *fakeLogger) Warn(msg string, args ...interface{})        {}
func (l *fakeLogger) Error(msg string, args ...interface{})       {}
func (l *fakeLogger) WithComponent(component string) ports.Logger { return l }

func testSpec(uri string) exportspec.ExportSpec {
	spec := exportspec.DefaultExportSpec()
	spec.SourceURI = uri
	spec.FrameRateNum = 2
	spec.FrameRateDen = 1
	spec.Width = 100
	spec.Height = 100
	return spec
}

func newHarness(info ports.SourceInfo) (*fakeReader, *fakeCompositor, *fakeEncoder, *fakeMuxer, *fakeFS) {
	reader := &fakeReader{info: info}
	compositor := &fakeCompositor{}
	encoder := &fakeEncoder{}
	muxer := &fakeMuxer{}
	fs := newFakeFS()
	return reader, compositor, encoder, muxer, fs
}

func TestPipeline_Run_Success(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_500_000, FrameRateNum: 2, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)
	fs.files["out.mp4"] = []byte("placeholder")

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	blob, err := pl.Run(context.Background(), testSpec("in.mp4"), "out.mp4")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(blob.Data) == 0 {
		t.Error("expected non-empty output blob")
	}
	if compositor.renderCnt != 3 {
		t.Errorf("expected 3 rendered frames, got %d", compositor.renderCnt)
	}
	if len(muxer.chunks) != 3 {
		t.Errorf("expected 3 muxed chunks, got %d", len(muxer.chunks))
	}
	if !muxer.finalized {
		t.Error("expected muxer to be finalized")
	}
	if !compositor.destroyed || !encoder.closed || !muxer.closed {
		t.Error("expected all components to be cleaned up")
	}
}

func TestPipeline_Run_InvalidSpec(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_000_000, FrameRateNum: 30, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	spec := testSpec("")
	_, err := pl.Run(context.Background(), spec, "out.mp4")
	if !exporterr.Is(err, exporterr.InvalidSpec) {
		t.Fatalf("expected InvalidSpec, got %v", err)
	}
}

func TestPipeline_Run_EmptyOutput(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_000_000, FrameRateNum: 2, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)

	spec := testSpec("in.mp4")
	spec.Trims = []timemap.Interval{{StartUs: 0, EndUs: info.DurationUs}}

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	_, err := pl.Run(context.Background(), spec, "out.mp4")
	if !exporterr.Is(err, exporterr.EmptyOutput) {
		t.Fatalf("expected EmptyOutput, got %v", err)
	}
}

func TestPipeline_Run_DecodeFailurePropagates(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_500_000, FrameRateNum: 2, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)
	reader.frameErr = map[uint64]error{500_000: errors.New("seek exploded")}

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	_, err := pl.Run(context.Background(), testSpec("in.mp4"), "out.mp4")
	if !exporterr.Is(err, exporterr.DecodeFailed) {
		t.Fatalf("expected DecodeFailed, got %v", err)
	}
}

func TestPipeline_Run_MuxFailurePropagates(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_500_000, FrameRateNum: 2, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)
	muxer.addErr = exporterr.New(exporterr.MuxFailed, "disk full")

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	_, err := pl.Run(context.Background(), testSpec("in.mp4"), "out.mp4")
	if !exporterr.Is(err, exporterr.MuxFailed) {
		t.Fatalf("expected MuxFailed, got %v", err)
	}
}

func TestPipeline_Cancel_StopsBeforeCompletion(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_500_000, FrameRateNum: 2, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	pl.Cancel()

	_, err := pl.Run(context.Background(), testSpec("in.mp4"), "out.mp4")
	if !exporterr.Is(err, exporterr.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

// TestPipeline_Run_BackpressureSuspendsAndCancelUnblocksIt is a regression
// test for a busy-spin bug: the backpressure wait for encode_in_flight <
// MaxInFlight used to poll in a tight loop instead of genuinely suspending.
// deferredEncoder never drains in-flight frames on its own, so mainLoop
// must actually block once MaxInFlight frames are outstanding rather than
// racing past the check; Cancel() while parked there must still unblock it
// promptly through the pipeline's own cancellation channel.
func TestPipeline_Run_BackpressureSuspendsAndCancelUnblocksIt(t *testing.T) {
	totalFrames := uint64(MaxInFlight + 5)
	info := ports.SourceInfo{Width: 10, Height: 10, DurationUs: totalFrames * 500_000, FrameRateNum: 2, FrameRateDen: 1}
	reader := &fakeReader{info: info}
	compositor := &fakeCompositor{}
	encoder := &deferredEncoder{}
	muxer := &fakeMuxer{}
	fs := newFakeFS()
	fs.files["out.mp4"] = []byte("placeholder")

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := pl.Run(context.Background(), testSpec("in.mp4"), "out.mp4")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if encoder.InFlight() == MaxInFlight {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := encoder.InFlight(); got != MaxInFlight {
		t.Fatalf("expected exactly MaxInFlight=%d frames held at saturation, got %d", MaxInFlight, got)
	}

	// mainLoop is now parked acquiring the semaphore for frame MaxInFlight;
	// nothing will ever release it here except Cancel.
	pl.Cancel()

	select {
	case err := <-done:
		if !exporterr.Is(err, exporterr.Cancelled) {
			t.Fatalf("expected Cancelled after unblocking from backpressure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly after Cancel while parked on backpressure")
	}
}

func TestPipeline_Cancel_Idempotent(t *testing.T) {
	reader, compositor, encoder, muxer, fs := newHarness(ports.SourceInfo{})
	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, nil)
	pl.Cancel()
	pl.Cancel() // must not panic
	if !pl.isCancelled() {
		t.Error("expected pipeline to be cancelled")
	}
}

func TestPipeline_Run_ReportsProgress(t *testing.T) {
	info := ports.SourceInfo{Width: 100, Height: 100, DurationUs: 1_500_000, FrameRateNum: 2, FrameRateDen: 1}
	reader, compositor, encoder, muxer, fs := newHarness(info)
	fs.files["out.mp4"] = []byte("placeholder")

	var events []ProgressEvent
	var mu sync.Mutex
	progress := ProgressSinkFunc(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	pl := New(reader, compositor, encoder, muxer, fs, &fakeSink{}, &fakeLogger{}, progress)
	if _, err := pl.Run(context.Background(), testSpec("in.mp4"), "out.mp4"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.CurrentFrame != last.TotalFrames || last.Fraction != 1.0 {
		t.Errorf("expected final progress event to report completion, got %+v", last)
	}
}

