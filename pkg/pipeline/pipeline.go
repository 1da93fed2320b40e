// Package pipeline drives the coordinated decode -> composite -> encode ->
// mux dataflow that implements one export run.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ideamans/go-l10n"
	"github.com/user/reexport/pkg/exporterr"
	"github.com/user/reexport/pkg/exportspec"
	"github.com/user/reexport/pkg/ports"
	"github.com/user/reexport/pkg/timemap"
)

// MaxInFlight bounds submitted-but-not-yet-emitted encoder chunks. The
// Pipeline blocks Submit once this many frames are outstanding.
const MaxInFlight = 120

// DecodeAhead is the depth of the decode-ahead queue.
const DecodeAhead = 10

// GOPSize is the fixed keyframe spacing, independent of framerate.
const GOPSize = 150

// ProgressEvent reports run progress after every submitted frame.
type ProgressEvent struct {
	CurrentFrame uint64
	TotalFrames  uint64
	Fraction     float64
	EstRemainUs  uint64
}

// ProgressSink observes ProgressEvents. A nil sink is legal; Pipeline
// treats it as a no-op observer.
type ProgressSink interface {
	Emit(ev ProgressEvent)
}

// ProgressSinkFunc adapts a function to a ProgressSink.
type ProgressSinkFunc func(ev ProgressEvent)

// Emit implements ProgressSink.
func (f ProgressSinkFunc) Emit(ev ProgressEvent) { f(ev) }

// Blob is the finalized container output of a successful run.
type Blob struct {
	Data []byte
}

// decodedItem is one entry in the decode-ahead queue.
type decodedItem struct {
	frame ports.DecodedFrame
	effTs uint64
	srcTs uint64
	err   error
}

// Pipeline orchestrates one export from an ExportSpec to a finalized Blob.
// It exclusively owns its SourceReader, FrameCompositor, Encoder, and
// Muxer for the duration of Run; all four are released exactly once,
// including on every error path.
type Pipeline struct {
	reader     ports.SourceReader
	compositor ports.FrameCompositor
	encoder    ports.Encoder
	muxer      ports.Muxer
	fs         ports.FileSystem
	sink       ports.DebugSink
	logger     ports.Logger
	progress   ProgressSink

	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// New builds a Pipeline from its collaborators. sink and progress may be
// nil.
func New(
	reader ports.SourceReader,
	compositor ports.FrameCompositor,
	encoder ports.Encoder,
	muxer ports.Muxer,
	fs ports.FileSystem,
	sink ports.DebugSink,
	logger ports.Logger,
	progress ProgressSink,
) *Pipeline {
	return &Pipeline{
		reader:     reader,
		compositor: compositor,
		encoder:    encoder,
		muxer:      muxer,
		fs:         fs,
		sink:       sink,
		logger:     logger,
		progress:   progress,
		cancelCh:   make(chan struct{}),
	}
}

// Cancel requests that Run stop at the next suspension point. Idempotent;
// safe to call before Run, during Run, or after Run has returned.
func (p *Pipeline) Cancel() {
	p.cancelOnce.Do(func() {
		p.cancelled.Store(true)
		close(p.cancelCh)
	})
}

func (p *Pipeline) isCancelled() bool {
	return p.cancelled.Load()
}

// Run executes the full export described by spec, writing the finalized
// container to outputPath and returning its bytes. On any error, every
// owned component is released exactly once before the error is returned;
// no partial blob is ever returned.
func (p *Pipeline) Run(ctx context.Context, spec exportspec.ExportSpec, outputPath string) (Blob, error) {
	if err := spec.Validate(); err != nil {
		return Blob{}, err
	}

	tm := spec.TimeMap()
	periodUs := spec.FramePeriodUs()

	info, err := p.reader.Open(ctx, spec.SourceURI)
	if err != nil {
		return Blob{}, err
	}
	defer p.reader.Close()

	totalFrames, err := tm.TotalFrames(info.DurationUs)
	if err != nil {
		p.cleanup()
		return Blob{}, err
	}
	if totalFrames == 0 {
		p.cleanup()
		return Blob{}, exporterr.New(exporterr.EmptyOutput, "time map yields zero output frames")
	}

	if p.sink != nil && p.sink.Enabled() {
		p.saveTimeMapDebug(tm, totalFrames, periodUs)
	}

	if err := p.compositor.Init(ports.RenderConfig{
		OutputWidth:  spec.Width,
		OutputHeight: spec.Height,
		SourceWidth:  info.Width,
		SourceHeight: info.Height,
		EditLayers:   spec.EditLayers,
	}); err != nil {
		p.cleanup()
		return Blob{}, err
	}

	var description ports.CodecDescription
	var descriptionCaptured bool
	var muxErr error
	var muxMu sync.Mutex
	var muxWG sync.WaitGroup
	var muxTail chan struct{} // closed once the most recently queued AddChunk returns

	// inFlight is a counting semaphore of capacity MaxInFlight: mainLoop
	// acquires a slot before every Submit and blocks there, genuinely
	// suspended, when the encoder is saturated. The on_chunk callback below
	// releases a slot as soon as the encoder reports a chunk emitted,
	// mirroring encoder.InFlight()'s own submitted-minus-emitted count.
	inFlight := make(chan struct{}, MaxInFlight)

	backend, err := p.encoder.Configure(ports.EncoderSpec{
		Width:        spec.Width,
		Height:       spec.Height,
		FrameRateNum: spec.FrameRateNum,
		FrameRateDen: spec.FrameRateDen,
		BitrateBps:   spec.BitrateBps,
		CodecID:      spec.CodecID,
	}, func(chunk ports.CodedChunk, meta ports.ChunkMeta) {
		<-inFlight

		muxMu.Lock()
		if !descriptionCaptured {
			description = meta.Description
			descriptionCaptured = true
		} else {
			meta.Description = description
		}
		// Each AddChunk waits for the one queued before it, so chunks reach
		// the muxer in the order the encoder emitted them.
		prev := muxTail
		done := make(chan struct{})
		muxTail = done
		muxMu.Unlock()

		muxWG.Add(1)
		go func() {
			defer muxWG.Done()
			defer close(done)
			if prev != nil {
				<-prev
			}
			if err := p.muxer.AddChunk(ctx, chunk, meta); err != nil {
				muxMu.Lock()
				if muxErr == nil {
					muxErr = err
				}
				muxMu.Unlock()
			}
			if p.sink != nil && p.sink.Enabled() {
				p.sink.SaveCodedChunk(int(chunk.PtsUs/periodUs), chunk.Data)
			}
		}()
	})
	if err != nil {
		p.cleanup()
		return Blob{}, err
	}
	p.logger.Info(l10n.F("Encoder configured, backend=%s", string(backend)))

	if err := p.muxer.Init(ports.MuxerSpec{
		Width:        spec.Width,
		Height:       spec.Height,
		FrameRateNum: spec.FrameRateNum,
		FrameRateDen: spec.FrameRateDen,
		DurationUs:   info.DurationUs,
	}, outputPath); err != nil {
		p.cleanup()
		return Blob{}, err
	}

	// slots holds one single-item buffered channel per output frame index,
	// so decode-ahead goroutines can complete in any order while mainLoop
	// still consumes strictly in frame order.
	slots := make([]chan decodedItem, totalFrames)
	for i := range slots {
		slots[i] = make(chan decodedItem, 1)
	}
	var decodeIndex uint64
	var decodeMu sync.Mutex // serializes calls into the single-producer reader

	decodeAt := func(idx uint64) decodedItem {
		effTs := idx * periodUs
		srcTs := tm.SourceTimeOf(effTs)
		decodeMu.Lock()
		frame, err := p.reader.FrameAt(ctx, srcTs)
		decodeMu.Unlock()
		return decodedItem{frame: frame, effTs: effTs, srcTs: srcTs, err: err}
	}

	fireDecode := func() {
		idx := decodeIndex
		decodeIndex++
		if idx >= totalFrames {
			return
		}
		go func() {
			slots[idx] <- decodeAt(idx)
		}()
	}

	prefill := DecodeAhead
	if uint64(prefill) > totalFrames {
		prefill = int(totalFrames)
	}
	for k := 0; k < prefill; k++ {
		fireDecode()
	}

	runErr := p.mainLoop(ctx, slots, fireDecode, inFlight, totalFrames, periodUs)

	if runErr == nil && p.isCancelled() {
		runErr = exporterr.New(exporterr.Cancelled, "export cancelled")
	}

	if runErr != nil {
		p.cleanup()
		muxWG.Wait()
		return Blob{}, runErr
	}

	if err := p.encoder.Flush(ctx); err != nil {
		p.cleanup()
		return Blob{}, err
	}
	muxWG.Wait()

	muxMu.Lock()
	pendingMuxErr := muxErr
	muxMu.Unlock()
	if pendingMuxErr != nil {
		p.cleanup()
		return Blob{}, pendingMuxErr
	}

	if err := p.muxer.Finalize(ctx); err != nil {
		p.cleanup()
		return Blob{}, err
	}

	data, err := p.fs.ReadFile(outputPath)
	if err != nil {
		p.cleanup()
		return Blob{}, exporterr.Wrap(exporterr.MuxFailed, err, "reading finalized output %s", outputPath)
	}

	p.cleanup()
	return Blob{Data: data}, nil
}

// mainLoop drives frames i = 0..totalFrames-1 through render -> submit,
// respecting encoder backpressure and cancellation at every suspension
// point. It never touches the muxer directly; chunk delivery happens on
// the encoder's on_chunk callback.
func (p *Pipeline) mainLoop(ctx context.Context, slots []chan decodedItem, fireDecode func(), inFlight chan struct{}, totalFrames, periodUs uint64) error {
	for i := uint64(0); i < totalFrames; i++ {
		if p.isCancelled() {
			return nil
		}

		var item decodedItem
		select {
		case <-ctx.Done():
			return exporterr.Wrap(exporterr.Cancelled, ctx.Err(), "context cancelled awaiting decode queue")
		case <-p.cancelCh:
			return nil
		case item = <-slots[i]:
		}
		if item.err != nil {
			return exporterr.Wrap(exporterr.DecodeFailed, item.err, "decode-ahead queue starved at frame %d", i)
		}

		if err := p.compositor.Render(ctx, item.frame, item.srcTs); err != nil {
			item.frame.Release()
			return err
		}
		item.frame.Release()

		if p.sink != nil && p.sink.Enabled() {
			p.sink.SaveComposedFrame(int(i), p.compositor.Target())
		}

		composited := ports.NewCompositedFrame(p.compositor.Target(), item.effTs, periodUs, nil)

		select {
		case inFlight <- struct{}{}:
		case <-ctx.Done():
			return exporterr.Wrap(exporterr.Cancelled, ctx.Err(), "context cancelled awaiting encoder backpressure")
		case <-p.cancelCh:
			return nil
		}

		if p.isCancelled() {
			return nil
		}

		forceKey := i%GOPSize == 0
		if err := p.encoder.Submit(ctx, composited, forceKey); err != nil {
			return err
		}

		fireDecode()

		if p.progress != nil {
			p.progress.Emit(ProgressEvent{
				CurrentFrame: i + 1,
				TotalFrames:  totalFrames,
				Fraction:     float64(i+1) / float64(totalFrames),
				EstRemainUs:  0,
			})
		}
	}
	return nil
}

// cleanup releases every owned component exactly once. Errors during
// cleanup are logged, never returned, so they cannot shadow the original
// failure.
func (p *Pipeline) cleanup() {
	if err := p.compositor.Destroy(); err != nil {
		p.logger.Warn(l10n.F("compositor cleanup: %s", err))
	}
	if err := p.encoder.Close(); err != nil {
		p.logger.Warn(l10n.F("encoder cleanup: %s", err))
	}
	if err := p.muxer.Close(); err != nil {
		p.logger.Warn(l10n.F("muxer cleanup: %s", err))
	}
}

type timeMapDebug struct {
	TotalFrames uint64             `json:"total_frames"`
	FramePeriod uint64             `json:"frame_period_us"`
	Trims       []timemap.Interval `json:"trims"`
}

func (p *Pipeline) saveTimeMapDebug(tm *timemap.TimeMap, totalFrames, periodUs uint64) {
	data, err := json.MarshalIndent(timeMapDebug{
		TotalFrames: totalFrames,
		FramePeriod: periodUs,
		Trims:       tm.Trims(),
	}, "", "  ")
	if err != nil {
		return
	}
	p.sink.SaveTimeMapJSON(data)
}
