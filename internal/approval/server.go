package approval

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/featureguild/pkg/cerr"
)

type Server struct {
	broker *Broker
}

func NewServer(broker *Broker) *Server {
	return &Server{broker: broker}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/approvals", s.listPending)
	r.Get("/approvals/{approvalID}", s.get)
	r.Post("/approvals/{approvalID}/resolve", s.resolve)
	r.Get("/tasks/{taskID}/approvals", s.listForTask)
}

type listResponse struct {
	Approvals []*Request `json:"approvals"`
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	pending := s.broker.ListPending(r.Context(), "")
	cerr.SetJSONResponse(r.Context(), &listResponse{Approvals: nonNil(pending)})
}

// listForTask returns the pending requests of a task. With ?history=true it
// returns every stored request of the task, resolved ones included.
func (s *Server) listForTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	if r.URL.Query().Get("history") == "true" {
		all, err := s.broker.History(ctx, taskID)
		if err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		cerr.SetJSONResponse(ctx, &listResponse{Approvals: nonNil(all)})
		return
	}
	cerr.SetJSONResponse(ctx, &listResponse{Approvals: nonNil(s.broker.ListPending(ctx, taskID))})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	req, err := s.broker.Get(r.Context(), chi.URLParam(r, "approvalID"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), req)
}

type resolveRequest struct {
	Approved *bool `json:"approved"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if body.Approved == nil {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "invalid resolve request", nil).
			AddViolation("approved", "required", "approved is required"))
		return
	}
	req, err := s.broker.Resolve(ctx, chi.URLParam(r, "approvalID"), *body.Approved)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, req)
}

func nonNil(rs []*Request) []*Request {
	if rs == nil {
		return []*Request{}
	}
	return rs
}
