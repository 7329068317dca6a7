// Package notify defines the outbound notification port and its email
// implementation. The dispatcher depends only on Port; adding another
// channel (SMS, push) is a second implementation, not an engine change.
package notify

import (
	"context"
	"fmt"
)

// Payload is one reminder notification. Success from Send means the
// provider accepted the message for delivery, not that it was received.
type Payload struct {
	To      string
	Name    string
	Subject string
	Title   string
	Details string

	// IdempotencyKey is deterministic per (task, window) and forwarded to
	// the provider so it can suppress duplicates if it supports that.
	IdempotencyKey string
}

// Port sends a single notification. Implementations must honor ctx
// cancellation and carry their own request timeout.
type Port interface {
	Send(ctx context.Context, p Payload) error
}

// ProviderError is a failure reported by the notification provider.
type ProviderError struct {
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error: %s (status %d)", e.Detail, e.StatusCode)
	}
	return "provider error: " + e.Detail
}
