package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskwise/internal/domain"
	"taskwise/internal/runner"
	"taskwise/internal/store"
)

type Server struct {
	r      *chi.Mux
	store  store.Store
	runner *runner.Runner
}

func NewServer(st store.Store, run *runner.Runner) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, runner: run}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/complete", s.completeTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)

	// The dispatch trigger doubles as the hook for an external scheduler
	// that fires over HTTP instead of exec.
	r.Post("/api/dispatch/run", s.runDispatch)
	r.Get("/api/dispatch/runs", s.listRuns)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("taskwise_up 1\n"))
}

type createTaskReq struct {
	Title      string `json:"title"`
	Details    string `json:"details"`
	OwnerEmail string `json:"owner_email"`
	OwnerName  string `json:"owner_name"`

	// Either an RFC3339 instant, or a separate date+time pair (UTC) the
	// way the task form supplies it.
	DueAt   string `json:"due_at"`
	DueDate string `json:"due_date"` // 2006-01-02
	DueTime string `json:"due_time"` // 15:04
}

type createTaskResp struct {
	ID string `json:"id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", 400)
		return
	}
	if req.OwnerEmail == "" {
		http.Error(w, "owner_email is required", 400)
		return
	}
	dueAt, err := parseDue(req)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.store.CreateTask(r.Context(), domain.Task{
		Title:      req.Title,
		Details:    req.Details,
		DueAt:      dueAt,
		OwnerEmail: req.OwnerEmail,
		OwnerName:  req.OwnerName,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResp{ID: id})
}

func parseDue(req createTaskReq) (time.Time, error) {
	if req.DueAt != "" {
		t, err := time.Parse(time.RFC3339, req.DueAt)
		if err != nil {
			return time.Time{}, errors.New("due_at must be RFC3339")
		}
		return t.UTC(), nil
	}
	if req.DueDate == "" || req.DueTime == "" {
		return time.Time{}, errors.New("due_at or due_date+due_time is required")
	}
	t, err := time.Parse("2006-01-02 15:04", req.DueDate+" "+req.DueTime)
	if err != nil {
		return time.Time{}, errors.New("due_date must be YYYY-MM-DD and due_time HH:MM")
	}
	return t.UTC(), nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.store.ListTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, taskJSON(t))
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.CompleteTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DeleteTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runDispatch(w http.ResponseWriter, r *http.Request) {
	summary, err := s.runner.RunOnce(r.Context(), time.Now())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"summary": runJSON(summary),
		})
		return
	}
	writeJSON(w, 200, runJSON(summary))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	writeJSON(w, 200, out)
}

func taskJSON(t domain.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"details":     t.Details,
		"completed":   t.Completed,
		"due_at":      t.DueAt.Format(time.RFC3339),
		"owner_email": t.OwnerEmail,
		"owner_name":  t.OwnerName,
		"created_at":  t.CreatedAt.Format(time.RFC3339),
	}
}

func runJSON(s domain.RunSummary) map[string]any {
	out := map[string]any{
		"window_start": s.WindowStart.Format(time.RFC3339),
		"window_end":   s.WindowEnd.Format(time.RFC3339),
		"matched":      s.Matched,
		"sent":         s.Sent,
		"failed":       s.Failed,
	}
	if s.ID != "" {
		out["id"] = s.ID
	}
	if s.FatalError != "" {
		out["fatal_error"] = s.FatalError
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
