package internal

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/featureguild/internal/config"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/clog"
)

// HealthServiceName is reported by the gRPC health endpoint next to the
// empty overall service name.
const HealthServiceName = "featureguild.v1.Orchestrator"

// RouteRegistrar mounts the routes of one domain under /api.
type RouteRegistrar interface {
	Routes(r chi.Router)
}

type Server struct {
	server   *http.Server
	env      *config.Env
	routes   []RouteRegistrar
	metrics  http.Handler
	health   *grpchealth.StaticChecker
	draining atomic.Bool
}

func NewServer(env *config.Env, metrics http.Handler, routes ...RouteRegistrar) *Server {
	return &Server{
		env:     env,
		routes:  routes,
		metrics: metrics,
		health:  grpchealth.NewStaticChecker(HealthServiceName),
	}
}

// Handler builds the complete HTTP handler: the JSON API under /api, health
// endpoints, and metrics, wrapped in API key checking, CORS and h2c.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			middleware.RequestID,
			clog.SlogChiMiddleware(),
			cerr.NewJSONChiMiddleware(),
		)
		for _, rr := range s.routes {
			rr.Routes(r)
		}
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.Unimplemented, "method not allowed", nil)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{draining: &s.draining})
	mux.Handle("/api/", r)
	mux.Handle(grpchealth.NewHandler(s.health, connect.WithInterceptors(cerr.NewConvertConnectErrorInterceptor())))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

// ListenAndServe starts the HTTP server. ctx becomes the base context of
// every request, so cancelling it also ends open event streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

// Shutdown reports not serving on the health endpoints and drains the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.health.SetStatus("", grpchealth.StatusNotServing)
	s.health.SetStatus(HealthServiceName, grpchealth.StatusNotServing)
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct {
	draining *atomic.Bool
}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if hc.draining != nil && hc.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health probes and scrapers carry no key.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" ||
			strings.HasPrefix(r.URL.Path, "/"+grpchealth.HealthV1ServiceName+"/") {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.env.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
