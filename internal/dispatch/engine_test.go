package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskwise/internal/domain"
	"taskwise/internal/notify"
)

// fakePort records sends and fails or blocks per recipient.
type fakePort struct {
	mu       sync.Mutex
	sent     []notify.Payload
	failFor  map[string]error
	blockFor map[string]time.Duration

	inFlight    int
	maxInFlight int
}

func newFakePort() *fakePort {
	return &fakePort{failFor: map[string]error{}, blockFor: map[string]time.Duration{}}
}

func (f *fakePort) Send(ctx context.Context, p notify.Payload) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if d, ok := f.blockFor[p.To]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return &notify.ProviderError{Detail: ctx.Err().Error()}
		}
	}
	if err, ok := f.failFor[p.To]; ok {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	return nil
}

func (f *fakePort) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var to []string
	for _, p := range f.sent {
		to = append(to, p.To)
	}
	return to
}

func task(id, email string) domain.Task {
	return domain.Task{
		ID:         id,
		Title:      "Title " + id,
		Details:    "Details " + id,
		DueAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		OwnerEmail: email,
		OwnerName:  "Owner",
	}
}

func TestDispatchOneSendPerItem(t *testing.T) {
	port := newFakePort()
	e := NewEngine(port, Config{MaxInFlight: 4})

	items := []domain.Task{task("a", "a@x.test"), task("b", "b@x.test"), task("c", "c@x.test")}
	outcomes, err := e.Dispatch(context.Background(), items)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("want 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if !o.Success {
			t.Errorf("outcome %d failed: %s", i, o.ErrorDetail)
		}
		if o.TaskID != items[i].ID {
			t.Errorf("outcome %d for task %s, want %s", i, o.TaskID, items[i].ID)
		}
	}
	if got := len(port.sentTo()); got != 3 {
		t.Fatalf("provider saw %d sends, want 3", got)
	}
}

func TestDispatchFailureIsolation(t *testing.T) {
	port := newFakePort()
	port.failFor["b@x.test"] = &notify.ProviderError{StatusCode: 429, Detail: "rate limited"}
	e := NewEngine(port, Config{MaxInFlight: 1})

	items := []domain.Task{task("a", "a@x.test"), task("b", "b@x.test"), task("c", "c@x.test")}
	outcomes, err := e.Dispatch(context.Background(), items)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !outcomes[0].Success || !outcomes[2].Success {
		t.Fatalf("siblings of a failed item must still be attempted: %+v", outcomes)
	}
	if outcomes[1].Success {
		t.Fatalf("item b should have failed")
	}
	if !strings.Contains(outcomes[1].ErrorDetail, "rate limited") {
		t.Fatalf("provider detail lost: %q", outcomes[1].ErrorDetail)
	}
}

func TestDispatchMissingRecipient(t *testing.T) {
	port := newFakePort()
	e := NewEngine(port, Config{MaxInFlight: 2})

	items := []domain.Task{task("a", ""), task("b", "b@x.test")}
	outcomes, err := e.Dispatch(context.Background(), items)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcomes[0].Success || outcomes[0].ErrorDetail != MissingRecipient {
		t.Fatalf("missing email should record %q, got %+v", MissingRecipient, outcomes[0])
	}
	if !outcomes[1].Success {
		t.Fatalf("sibling of a missing-recipient item must still send")
	}
	if sent := port.sentTo(); len(sent) != 1 || sent[0] != "b@x.test" {
		t.Fatalf("no provider call should be made for the recipientless task: %v", sent)
	}
}

func TestDispatchSendTimeout(t *testing.T) {
	port := newFakePort()
	port.blockFor["slow@x.test"] = time.Second
	e := NewEngine(port, Config{MaxInFlight: 2, SendTimeout: 30 * time.Millisecond})

	items := []domain.Task{task("slow", "slow@x.test"), task("ok", "ok@x.test")}
	outcomes, err := e.Dispatch(context.Background(), items)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcomes[0].Success {
		t.Fatalf("timed-out send must be a failed outcome")
	}
	if !outcomes[1].Success {
		t.Fatalf("timeout on one item must not affect the other: %+v", outcomes[1])
	}
}

func TestDispatchPayloadFallbacks(t *testing.T) {
	port := newFakePort()
	e := NewEngine(port, Config{})

	bare := domain.Task{ID: "bare", OwnerEmail: "bare@x.test", DueAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	if _, err := e.Dispatch(context.Background(), []domain.Task{bare}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	p := port.sent[0]
	if p.Title != "No Title" || p.Details != "No details provided." || p.Name != "User" {
		t.Fatalf("fallbacks not applied: %+v", p)
	}
	if p.Subject != "⏰ Reminder: No Title" {
		t.Fatalf("subject = %q", p.Subject)
	}
	if p.IdempotencyKey != "bare:2024-03-01T10:00:00Z" {
		t.Fatalf("idempotency key = %q", p.IdempotencyKey)
	}
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	port := newFakePort()
	for _, to := range []string{"a@x.test", "b@x.test", "c@x.test", "d@x.test", "e@x.test"} {
		port.blockFor[to] = 20 * time.Millisecond
	}
	e := NewEngine(port, Config{MaxInFlight: 2, SendTimeout: time.Second})

	items := []domain.Task{
		task("a", "a@x.test"), task("b", "b@x.test"), task("c", "c@x.test"),
		task("d", "d@x.test"), task("e", "e@x.test"),
	}
	if _, err := e.Dispatch(context.Background(), items); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if port.maxInFlight > 2 {
		t.Fatalf("in-flight sends reached %d, bound is 2", port.maxInFlight)
	}
}

func TestDispatchCancellation(t *testing.T) {
	port := newFakePort()
	for _, to := range []string{"a@x.test", "b@x.test", "c@x.test"} {
		port.blockFor[to] = time.Second
	}
	e := NewEngine(port, Config{MaxInFlight: 1, SendTimeout: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	items := []domain.Task{task("a", "a@x.test"), task("b", "b@x.test"), task("c", "c@x.test")}
	_, err := e.Dispatch(ctx, items)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled batch must report the cancellation, got %v", err)
	}
}
