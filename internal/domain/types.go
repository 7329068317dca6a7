package domain

import "time"

// Task is a reminder-bearing task record. The dispatcher only reads tasks;
// DueAt is fixed at creation and the owner identity is denormalized onto the
// record so a send never needs a profile lookup.
type Task struct {
	ID         string
	Title      string
	Details    string
	Completed  bool
	DueAt      time.Time // UTC instant
	OwnerEmail string
	OwnerName  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ScanWindow is the half-open interval [Start, End) scanned by one dispatcher run.
type ScanWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w ScanWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w ScanWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

// DispatchOutcome records the result of one send attempt. Outcomes are
// ephemeral; they feed logs and the run summary, nothing else.
type DispatchOutcome struct {
	TaskID      string
	Success     bool
	ErrorDetail string
}

// RunSummary is the audit record of one dispatcher run.
type RunSummary struct {
	ID          string
	WindowStart time.Time
	WindowEnd   time.Time
	Matched     int
	Sent        int
	Failed      int
	FatalError  string
	StartedAt   time.Time
	FinishedAt  time.Time
}
