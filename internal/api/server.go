// Package api exposes the job registry, the webhook dispatcher and health
// reporting over HTTP
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/auth"
	"github.com/t77yq/opsgate/internal/handler"
	"github.com/t77yq/opsgate/internal/monitor"
	"github.com/t77yq/opsgate/internal/ratelimit"
	"github.com/t77yq/opsgate/internal/scheduler"
	"github.com/t77yq/opsgate/internal/storage"
	"github.com/t77yq/opsgate/internal/webhook"
)

// maxJSONBody bounds request bodies of the JSON endpoints
const maxJSONBody = 1 << 20

// Deps are the components the HTTP surface is built on
type Deps struct {
	Jobs       *scheduler.Registry
	Handlers   *handler.Registry
	History    storage.ExecutionLog
	Dispatcher *webhook.Dispatcher
	Auth       *auth.Authenticator
	Limiter    *ratelimit.Limiter
	Health     *monitor.HealthMonitor
}

// Options tune how the server responds
type Options struct {
	Production bool
	CORSOrigin string
}

// Server holds the HTTP handlers
type Server struct {
	deps       Deps
	logger     *zap.Logger
	production bool
	router     chi.Router
}

// NewServer builds the router
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		deps:       deps,
		logger:     logger.Named("http"),
		production: opts.Production,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(s.logger), middleware.Recoverer)
	r.Use(corsMiddleware(opts.CORSOrigin))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(deps.Limiter))

		r.Post("/webhooks", s.receiveWebhook)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/system/health", s.systemHealth)
			r.Post("/auth/login", s.login)

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.Middleware(s.respondError))

				r.Get("/handlers", s.listHandlers)
				r.Get("/executions", s.listExecutions)
				r.Get("/webhooks/dispatches/{id}", s.getDispatch)

				r.Route("/jobs", func(r chi.Router) {
					r.Get("/", s.listJobs)
					r.Post("/", s.createJob)
					r.Get("/{id}", s.getJob)
					r.Put("/{id}", s.updateJob)
					r.Delete("/{id}", s.deleteJob)
					r.Post("/{id}/enable", s.enableJob)
					r.Post("/{id}/disable", s.disableJob)
					r.Get("/{id}/executions", s.jobExecutions)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, kindNotFound, "route not found")
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Health.Liveness())
}

// systemHealth answers 503 when a required component is down
func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if report.Status != monitor.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int64     `json:"expiresIn"`
	User      auth.User `json:"user"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	token, user, err := s.deps.Auth.Login(req.Email, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int64(auth.TokenTTL.Seconds()),
		User:      user,
	})
}

type acceptedResponse struct {
	DispatchID string `json:"dispatch_id"`
	Status     string `json:"status"`
}

// receiveWebhook verifies and dispatches a delivery. With ?async=true the
// fan-out runs in the background and the response is 202.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhook.MaxBodySize+1))
	if err != nil {
		s.respondError(w, r, errors.Mark(errors.Wrap(err, "failed to read body"), errBadRequest))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		event, err := s.deps.Dispatcher.Prepare(r.Header, body)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		id := s.deps.Dispatcher.DispatchAsync(event)
		writeJSON(w, http.StatusAccepted, acceptedResponse{DispatchID: id, Status: "accepted"})
		return
	}

	result, err := s.deps.Dispatcher.Handle(r.Context(), r.Header, body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, ok := s.deps.Dispatcher.Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, kindNotFound, "dispatch "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"handlers": s.deps.Handlers.Names()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid JSON body"), errBadRequest)
	}
	return nil
}
