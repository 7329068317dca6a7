// Package runner coordinates one dispatcher run: window calculation, the
// due-item query, the dispatch fan-out, the run summary, and the watermark
// advance. Each invocation is independent; the persisted watermark is the
// only state carried between runs.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"taskwise/internal/dispatch"
	"taskwise/internal/domain"
	"taskwise/internal/store"
	"taskwise/internal/window"
)

type Config struct {
	// Lookback is the fixed window width used until a watermark exists.
	// It must be at least the scheduler's nominal firing interval.
	Lookback time.Duration
	// MaxCatchUp caps the window after a long outage; 0 means unbounded.
	MaxCatchUp time.Duration
	// UseWatermark selects watermark windowing. When false the runner
	// degrades to fixed-lookback polling and never touches stored state.
	UseWatermark bool
}

type Runner struct {
	store  store.Store
	engine *dispatch.Engine
	cfg    Config
}

func New(st store.Store, engine *dispatch.Engine, cfg Config) *Runner {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5 * time.Minute
	}
	return &Runner{store: st, engine: engine, cfg: cfg}
}

// RunOnce executes a single dispatcher run at instant now. It returns the
// run summary; the error is non-nil only for run-fatal conditions (query
// failure, cancellation), under which no watermark advance happens.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (domain.RunSummary, error) {
	now = now.UTC().Truncate(time.Second)
	started := time.Now().UTC()

	var mark time.Time
	if r.cfg.UseWatermark {
		var err error
		mark, err = r.store.Watermark(ctx)
		if err != nil {
			return domain.RunSummary{}, fmt.Errorf("read watermark: %w", err)
		}
	}

	var w domain.ScanWindow
	if r.cfg.UseWatermark {
		w = window.FromWatermark(now, mark, r.cfg.Lookback, r.cfg.MaxCatchUp)
	} else {
		w = window.FixedLookback(now, r.cfg.Lookback)
	}

	summary := domain.RunSummary{
		WindowStart: w.Start,
		WindowEnd:   w.End,
		StartedAt:   started,
	}

	log.Info().
		Time("window_start", w.Start).
		Time("window_end", w.End).
		Msg("dispatcher run started")

	items, err := r.store.FetchDue(ctx, w)
	if err != nil {
		// Query-fatal: no dispatch, watermark untouched, window stays
		// unresolved and will be rescanned next run.
		summary.FatalError = err.Error()
		summary.FinishedAt = time.Now().UTC()
		r.record(ctx, summary)
		log.Error().Err(err).Msg("due-item query failed, aborting run")
		return summary, err
	}
	summary.Matched = len(items)

	if len(items) == 0 {
		log.Info().Msg("no tasks due in this window")
	}

	outcomes, dispatchErr := r.engine.Dispatch(ctx, items)
	for _, o := range outcomes {
		if o.Success {
			summary.Sent++
		} else {
			summary.Failed++
		}
	}

	if dispatchErr != nil {
		// Cancelled mid-batch. Sends that already happened cannot be
		// undone; the window is unresolved and safe to reprocess.
		summary.FatalError = dispatchErr.Error()
		summary.FinishedAt = time.Now().UTC()
		r.record(ctx, summary)
		log.Warn().Err(dispatchErr).
			Int("sent", summary.Sent).
			Msg("run cancelled before completing the batch, watermark not advanced")
		return summary, dispatchErr
	}

	// Individual item failures do not block the advance: they are logged
	// outcomes, and retrying them is the next window's concern only under
	// an operator-driven watermark rewind.
	if r.cfg.UseWatermark && w.End.After(mark) {
		if err := r.store.AdvanceWatermark(ctx, mark, w.End); err != nil {
			summary.FatalError = err.Error()
			summary.FinishedAt = time.Now().UTC()
			r.record(ctx, summary)
			log.Error().Err(err).Msg("watermark advance failed")
			return summary, err
		}
	}

	summary.FinishedAt = time.Now().UTC()
	r.record(ctx, summary)

	log.Info().
		Time("window_start", w.Start).
		Time("window_end", w.End).
		Int("matched", summary.Matched).
		Int("sent", summary.Sent).
		Int("failed", summary.Failed).
		Msg("dispatcher run finished")
	return summary, nil
}

// record persists the run summary. Audit-only: a write failure is logged
// and never fails the run. The write survives run cancellation so aborted
// runs still show up in the audit log.
func (r *Runner) record(ctx context.Context, s domain.RunSummary) {
	if err := r.store.RecordRun(context.WithoutCancel(ctx), s); err != nil {
		log.Warn().Err(err).Msg("failed to record run summary")
	}
}
