// Package dispatch fans a batch of due tasks out to the notification port,
// one send per task, with bounded concurrency and strict failure isolation.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"taskwise/internal/domain"
	"taskwise/internal/notify"
)

// MissingRecipient is the outcome detail recorded when a task has no owner
// email. It is a data-quality condition, not a run failure.
const MissingRecipient = "missing-recipient"

// Fallbacks for sparse task records.
const (
	fallbackTitle   = "No Title"
	fallbackDetails = "No details provided."
	fallbackName    = "User"
)

type Config struct {
	// MaxInFlight bounds concurrent sends. <=1 means sequential.
	MaxInFlight int
	// SendsPerSecond throttles outbound sends to respect provider rate
	// limits. 0 disables throttling.
	SendsPerSecond float64
	// SendTimeout bounds each provider call. A timed-out send is a failed
	// outcome, never a hang.
	SendTimeout time.Duration
}

type Engine struct {
	port    notify.Port
	sem     chan struct{}
	limiter *rate.Limiter
	timeout time.Duration
}

func NewEngine(port notify.Port, cfg Config) *Engine {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1)
	}
	return &Engine{
		port:    port,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		limiter: limiter,
		timeout: cfg.SendTimeout,
	}
}

// Dispatch attempts one send per item and returns an outcome per item, in
// input order. One item's failure never aborts its siblings; each outcome
// is written to its own slot so concurrent sends share nothing.
//
// The returned error is non-nil only when ctx was cancelled before the
// batch finished. The caller must then treat the run as incomplete and
// leave the watermark alone.
func (e *Engine) Dispatch(ctx context.Context, items []domain.Task) ([]domain.DispatchOutcome, error) {
	outcomes := make([]domain.DispatchOutcome, len(items))

	var wg sync.WaitGroup
loop:
	for i, task := range items {
		outcomes[i].TaskID = task.ID

		if task.OwnerEmail == "" {
			outcomes[i].ErrorDetail = MissingRecipient
			log.Warn().Str("task_id", task.ID).Msg("task has no owner email, skipping send")
			continue
		}

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			// Stop launching; in-flight sends drain below.
			break loop
		}

		wg.Add(1)
		go func(slot *domain.DispatchOutcome, tk domain.Task) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.sendOne(ctx, slot, tk)
		}(&outcomes[i], task)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, fmt.Errorf("dispatch interrupted: %w", err)
	}
	return outcomes, nil
}

func (e *Engine) sendOne(ctx context.Context, slot *domain.DispatchOutcome, task domain.Task) {
	if err := e.limiter.Wait(ctx); err != nil {
		slot.ErrorDetail = err.Error()
		return
	}

	payload := buildPayload(task)

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.port.Send(sendCtx, payload); err != nil {
		slot.ErrorDetail = err.Error()
		log.Error().Err(err).
			Str("task_id", task.ID).
			Str("recipient", task.OwnerEmail).
			Msg("reminder send failed")
		return
	}

	slot.Success = true
	log.Info().
		Str("task_id", task.ID).
		Str("recipient", task.OwnerEmail).
		Time("due_at", task.DueAt).
		Msg("reminder sent")
}

func buildPayload(task domain.Task) notify.Payload {
	title := task.Title
	if title == "" {
		title = fallbackTitle
	}
	details := task.Details
	if details == "" {
		details = fallbackDetails
	}
	name := task.OwnerName
	if name == "" {
		name = fallbackName
	}
	return notify.Payload{
		To:             task.OwnerEmail,
		Name:           name,
		Subject:        "⏰ Reminder: " + title,
		Title:          title,
		Details:        details,
		IdempotencyKey: idempotencyKey(task),
	}
}

// idempotencyKey is deterministic per (task, due instant): a re-scan of the
// same due time yields the same key, letting a dedup-capable provider
// suppress the duplicate.
func idempotencyKey(task domain.Task) string {
	return task.ID + ":" + task.DueAt.UTC().Format(time.RFC3339)
}
