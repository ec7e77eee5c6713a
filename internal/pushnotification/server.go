package pushnotification

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/featureguild/internal/config"
	"github.com/kazz187/featureguild/internal/pushsubscription"
	"github.com/kazz187/featureguild/pkg/cerr"
)

type Server struct {
	vapidEnv *config.VAPIDEnv
	repo     pushsubscription.Repository
	notifier Notifier
}

func NewServer(vapidEnv *config.VAPIDEnv, repo pushsubscription.Repository, notifier Notifier) *Server {
	return &Server{
		vapidEnv: vapidEnv,
		repo:     repo,
		notifier: notifier,
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/push/vapid-public-key", s.getVAPIDPublicKey)
	r.Post("/push-subscriptions", s.register)
	r.Delete("/push-subscriptions", s.unregister)
	r.Post("/push/test", s.sendTest)
}

func (s *Server) getVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if !s.vapidEnv.Enabled() {
		cerr.SetNewJSONError(r.Context(), cerr.FailedPrecondition, "VAPID keys not configured", nil)
		return
	}
	cerr.SetJSONResponse(r.Context(), map[string]string{"public_key": s.vapidEnv.PublicKey})
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	verr := cerr.NewError(cerr.InvalidArgument, "invalid push subscription", nil)
	if req.Endpoint == "" {
		verr.AddViolation("endpoint", "required", "endpoint is required")
	}
	if req.Keys.P256dh == "" {
		verr.AddViolation("keys.p256dh", "required", "keys.p256dh is required")
	}
	if req.Keys.Auth == "" {
		verr.AddViolation("keys.auth", "required", "keys.auth is required")
	}
	if len(verr.Details) > 0 {
		cerr.SetJSONError(ctx, verr)
		return
	}

	saved, err := s.repo.Save(ctx, &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		CreatedAt: time.Now(),
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, map[string]string{"id": saved.ID})
}

func (s *Server) unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", err)
		return
	}
	if err := s.repo.DeleteByEndpoint(ctx, req.Endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{})
}

func (s *Server) sendTest(w http.ResponseWriter, r *http.Request) {
	sent := s.notifier.SendToAll(r.Context(), &NotificationPayload{
		Title: "featureguild",
		Body:  "Push notifications are working.",
	})
	cerr.SetJSONResponse(r.Context(), map[string]int{"sent": sent})
}
