// Package timemap implements the bijection between output ("effective")
// time and source time that trimming induces.
package timemap

import (
	"sort"

	"github.com/user/reexport/pkg/exporterr"
)

// Interval is a half-open span of source time, in microseconds, that is
// excised from the output.
type Interval struct {
	StartUs uint64
	EndUs   uint64
}

// TrimSet is an ordered, pairwise-disjoint set of Intervals. Use Normalize
// to build one from arbitrary, possibly overlapping input intervals.
type TrimSet []Interval

// Normalize sorts intervals by StartUs and merges any that overlap or abut
// within 1us, returning a new, disjoint, ascending TrimSet.
func Normalize(intervals []Interval) TrimSet {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartUs < sorted[j].StartUs })

	merged := make(TrimSet, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		// Abutting or overlapping within 1us merges into the current run.
		if next.StartUs <= cur.EndUs+1 {
			if next.EndUs > cur.EndUs {
				cur.EndUs = next.EndUs
			}
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)

	return merged
}

// TimeMap translates output frame indices to source timestamps given a
// frame period and a normalized trim set.
type TimeMap struct {
	framePeriodUs uint64
	fpsNum        uint64
	fpsDen        uint64
	trims         TrimSet
}

// New builds a TimeMap for the given integer frame period (in
// microseconds, e.g. 33333 for 30fps) and (possibly un-normalized) trim
// intervals. TotalFrames is derived from framePeriodUs directly, so at
// framerates whose true period isn't an integer number of microseconds
// (30hz, 33333.33...us) this constructor can be off by one frame at
// duration boundaries; prefer NewFromRate when the exact rational
// framerate is known.
func New(framePeriodUs uint64, intervals []Interval) *TimeMap {
	return &TimeMap{
		framePeriodUs: framePeriodUs,
		fpsNum:        1_000_000,
		fpsDen:        framePeriodUs,
		trims:         Normalize(intervals),
	}
}

// NewFromRate builds a TimeMap from a rational frame rate
// (frameRateNum/frameRateDen Hz), computing the integer emission period
// (used for SourceTimeOf stepping and PTS assignment) by truncating
// division, while keeping the exact rational for TotalFrames so a
// duration that lands exactly on a frame boundary at the true framerate
// isn't pushed into an extra frame by the truncated period (the "duration
// rounding" resolution: total frame count follows the configured exact
// framerate, not the microsecond-quantized period).
func NewFromRate(frameRateNum, frameRateDen uint64, intervals []Interval) *TimeMap {
	periodUs := (1_000_000 * frameRateDen) / frameRateNum
	return &TimeMap{
		framePeriodUs: periodUs,
		fpsNum:        frameRateNum,
		fpsDen:        frameRateDen,
		trims:         Normalize(intervals),
	}
}

// Trims returns the normalized trim set backing this TimeMap.
func (t *TimeMap) Trims() TrimSet { return t.trims }

// FramePeriodUs returns the configured output frame period in microseconds.
func (t *TimeMap) FramePeriodUs() uint64 { return t.framePeriodUs }

func (t *TimeMap) totalTrimmedUs() uint64 {
	var sum uint64
	for _, iv := range t.trims {
		sum += iv.EndUs - iv.StartUs
	}
	return sum
}

// EffectiveDurationUs returns the output duration once all trims are
// excised from sourceDurationUs. Returns an InvalidSpec error if the trims consume
// more than the source duration.
func (t *TimeMap) EffectiveDurationUs(sourceDurationUs uint64) (uint64, error) {
	trimmed := t.totalTrimmedUs()
	if trimmed > sourceDurationUs {
		return 0, exporterr.New(exporterr.InvalidSpec, "trims total %dus exceed source duration %dus", trimmed, sourceDurationUs)
	}
	return sourceDurationUs - trimmed, nil
}

// TotalFrames returns ceil(effective_duration_us * fps_num / (1e6 * fps_den)),
// i.e. the exact number of output frames at the configured rational
// framerate. See NewFromRate for why this is not simply
// ceil(effective_duration_us / frame_period_us).
func (t *TimeMap) TotalFrames(sourceDurationUs uint64) (uint64, error) {
	eff, err := t.EffectiveDurationUs(sourceDurationUs)
	if err != nil {
		return 0, err
	}
	if t.framePeriodUs == 0 || t.fpsNum == 0 {
		return 0, exporterr.New(exporterr.InvalidSpec, "frame period must be positive")
	}
	return ceilDiv(eff*t.fpsNum, 1_000_000*t.fpsDen), nil
}

// SourceTimeOf maps an effective (output) timestamp to the corresponding
// source timestamp, walking the normalized trims in ascending order and
// shifting past each trim whose start lies at or before the running
// candidate. The result never falls inside a trim interval and is
// monotonic non-decreasing in effectiveTsUs.
func (t *TimeMap) SourceTimeOf(effectiveTsUs uint64) uint64 {
	candidate := effectiveTsUs
	for _, iv := range t.trims {
		if iv.StartUs <= candidate {
			candidate += iv.EndUs - iv.StartUs
		}
	}
	return candidate
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
