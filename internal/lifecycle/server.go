package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/featureguild/internal/session"
	"github.com/kazz187/featureguild/internal/task"
	"github.com/kazz187/featureguild/pkg/cerr"
)

// EventLogs gives access to the event log of a task's latest session.
type EventLogs interface {
	Events(taskID string) (*session.EventLog, bool)
}

type Server struct {
	controller *Controller
	logs       EventLogs
}

func NewServer(controller *Controller, logs EventLogs) *Server {
	return &Server{
		controller: controller,
		logs:       logs,
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.create)
		r.Get("/", s.list)
		r.Get("/{taskID}", s.get)
		r.Patch("/{taskID}", s.update)
		r.Post("/{taskID}/transition", s.transition)
		r.Get("/{taskID}/events", s.events)
	})
}

type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.controller.Create(ctx, req.Title, req.Description)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, t)
}

type listResponse struct {
	Tasks []task.Summary `json:"tasks"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := s.controller.ListByStatus(ctx, task.Status(r.URL.Query().Get("status")))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := &listResponse{Tasks: make([]task.Summary, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, t.Summarize())
	}
	cerr.SetJSONResponse(ctx, resp)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	t, err := s.controller.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), t)
}

type updateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Note        string  `json:"note"`
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.controller.Update(ctx, chi.URLParam(r, "taskID"), task.UpdateRequest{
		Title:       req.Title,
		Description: req.Description,
		Note:        req.Note,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type transitionRequest struct {
	Status task.Status `json:"status"`
	Reason string      `json:"reason"`
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if !req.Status.Valid() {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "invalid transition request", nil).
			AddViolation("status", "enum", fmt.Sprintf("unknown status %q", req.Status)))
		return
	}
	var opts []TransitionOption
	if req.Reason != "" {
		opts = append(opts, WithReason(req.Reason))
	}
	t, err := s.controller.Transition(ctx, chi.URLParam(r, "taskID"), req.Status, opts...)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

// events streams the latest session log of a task as server-sent events,
// replaying it from the start. The stream ends when the session finishes or
// the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	log, ok := s.logs.Events(taskID)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "no session for task", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for ev := range log.Events(ctx) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.ErrorContext(ctx, "failed to marshal session event", "task_id", taskID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
			slog.DebugContext(ctx, "event stream closed by client", "task_id", taskID, "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			slog.DebugContext(ctx, "event stream flush failed", "task_id", taskID, "error", err)
			return
		}
	}
}
