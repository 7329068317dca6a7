// Package window turns "now" into the half-open due-time interval one
// dispatcher run scans. Both policies are pure: no clock reads, no I/O.
package window

import (
	"time"

	"taskwise/internal/domain"
)

// FixedLookback returns [now-lookback, now). This is the simple, lossy
// policy: a skipped or delayed invocation leaves a gap no later window
// covers. Lookback should be at least the scheduler's nominal interval to
// tolerate jitter.
func FixedLookback(now time.Time, lookback time.Duration) domain.ScanWindow {
	if lookback < 0 {
		lookback = 0
	}
	return domain.ScanWindow{Start: now.Add(-lookback), End: now}
}

// FromWatermark returns [watermark, now), giving run-to-run continuity: the
// next window always begins where the last successfully processed one ended,
// so no due instant is ever skipped.
//
// A zero watermark (first run, or state lost) falls back to FixedLookback
// with fallbackLookback. maxCatchUp, when positive, caps the window width
// after a long outage by pulling End below now; the watermark then advances
// only to the capped End, so the remainder is covered by subsequent runs.
func FromWatermark(now, watermark time.Time, fallbackLookback, maxCatchUp time.Duration) domain.ScanWindow {
	if watermark.IsZero() {
		return FixedLookback(now, fallbackLookback)
	}
	start := watermark
	if !start.Before(now) {
		// Watermark at or ahead of now: scheduler double-fire or clock skew.
		// Return an empty window rather than a negative one.
		return domain.ScanWindow{Start: now, End: now}
	}
	end := now
	if maxCatchUp > 0 && end.Sub(start) > maxCatchUp {
		end = start.Add(maxCatchUp)
	}
	return domain.ScanWindow{Start: start, End: end}
}
