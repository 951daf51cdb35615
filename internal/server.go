package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/iterdrive/internal/config"
	"github.com/kazz187/iterdrive/internal/iteration"
	"github.com/kazz187/iterdrive/internal/notify"
	"github.com/kazz187/iterdrive/internal/orchestrator"
	"github.com/kazz187/iterdrive/internal/sandbox"
	"github.com/kazz187/iterdrive/internal/stream"
	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/clog"
)

type Server struct {
	server        *http.Server
	env           *config.Env
	orch          *orchestrator.Orchestrator
	tasks         task.Repository
	iterations    *iteration.Store
	sandboxes     *sandbox.Manager
	streamServer  *stream.Server
	subscriptions *notify.SubscriptionRepository
}

func NewServer(
	env *config.Env,
	orch *orchestrator.Orchestrator,
	tasks task.Repository,
	iterations *iteration.Store,
	sandboxes *sandbox.Manager,
	streamServer *stream.Server,
	subscriptions *notify.SubscriptionRepository,
) *Server {
	return &Server{
		env:           env,
		orch:          orch,
		tasks:         tasks,
		iterations:    iterations,
		sandboxes:     sandboxes,
		streamServer:  streamServer,
		subscriptions: subscriptions,
	}
}

// ListenAndServe starts the HTTP server. The provided context is used as
// the base context for all incoming requests via http.Server.BaseContext,
// so cancelling it also cancels open SSE streams and lets shutdown
// proceed without waiting for them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		// The SSE stream writes its own frames and sits outside the JSON
		// response middleware.
		r.With(clog.SlogChiMiddleware()).
			Get("/tasks/{id}/events", s.streamServer.TaskEvents)

		r.Group(func(r chi.Router) {
			r.Use(
				clog.SlogChiMiddleware(),
				cerr.NewJSONResponseChiMiddleware(),
			)
			r.NotFound(func(w http.ResponseWriter, r *http.Request) {
				cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
			})

			r.Post("/tasks", s.handleCreateTask)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Post("/tasks/{id}/iterate", s.handleIterate)
			r.Post("/tasks/{id}/stop", s.handleStop)
			r.Post("/tasks/{id}/restart", s.handleRestart)
			r.Post("/tasks/{id}/merge", s.handleMerge)
			r.Post("/tasks/{id}/push", s.handlePush)
			r.Get("/tasks/{id}/diff", s.handleDiff)
			r.Get("/tasks/{id}/iterations/{n}/files", s.handleIterationFiles)
			r.Post("/push/subscriptions", s.handleSubscribe)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An empty configured key disables the check for local use.
		if s.env.APIKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
