package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"taskwise/internal/dispatch"
	"taskwise/internal/notify"
	"taskwise/internal/runner"
	"taskwise/internal/store"
)

type noopPort struct{}

func (noopPort) Send(ctx context.Context, p notify.Payload) error { return nil }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	st := store.New(db)
	run := runner.New(st, dispatch.NewEngine(noopPort{}, dispatch.Config{}), runner.Config{
		Lookback:     5 * time.Minute,
		UseWatermark: true,
	})
	return NewServer(st, run)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTaskLifecycle(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", map[string]any{
		"title":       "Pay rent",
		"due_date":    "2030-03-01",
		"due_time":    "09:00",
		"owner_email": "ada@example.com",
		"owner_name":  "Ada",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("create response: %s", rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+created.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("get: %d", rec.Code)
	}
	var got map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["due_at"] != "2030-03-01T09:00:00Z" {
		t.Fatalf("due_at = %v, want date+time pair combined in UTC", got["due_at"])
	}

	if rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created.ID+"/complete", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("complete: %d", rec.Code)
	}
	if rec = doJSON(t, h, http.MethodDelete, "/api/tasks/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newTestServer(t)

	cases := []map[string]any{
		{"due_at": "2030-03-01T09:00:00Z", "owner_email": "a@b.test"}, // no title
		{"title": "x", "due_at": "2030-03-01T09:00:00Z"},              // no owner
		{"title": "x", "owner_email": "a@b.test"},                     // no due
		{"title": "x", "owner_email": "a@b.test", "due_at": "yesterday"},
	}
	for i, body := range cases {
		if rec := doJSON(t, h, http.MethodPost, "/api/tasks", body); rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: code %d, want 400", i, rec.Code)
		}
	}
}

func TestDispatchTriggerAndRunLog(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/dispatch/run", nil)
	if rec.Code != 200 {
		t.Fatalf("run: %d %s", rec.Code, rec.Body)
	}
	var summary map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["matched"] != float64(0) {
		t.Fatalf("empty store should match nothing: %v", summary)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/dispatch/runs", nil)
	if rec.Code != 200 {
		t.Fatalf("runs: %d", rec.Code)
	}
	var runs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 {
		t.Fatalf("expected one recorded run, got %s", rec.Body)
	}
}
