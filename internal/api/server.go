package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opendrama/internal/features"
	"opendrama/internal/generation"
	"opendrama/internal/ledger"
	"opendrama/internal/logging"
	"opendrama/internal/pricing"
	"opendrama/internal/segments"
	"opendrama/internal/services"
)

const maxBodyBytes = 1 << 20

// Deps are the services the API fronts.
type Deps struct {
	Ledger     *ledger.Ledger
	Store      *segments.Store
	Controller *generation.Controller
	Reconciler *generation.Reconciler
	Charger    *features.Charger
	Prices     *pricing.Resolver
	Logger     *slog.Logger
}

// Options configure authentication.
type Options struct {
	// APIToken guards /api. Empty disables the check.
	APIToken string
	// WebhookSecret verifies provider callbacks. Empty disables the callback
	// route.
	WebhookSecret string
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// NewServer wires a server.
func NewServer(deps Deps, opts Options) *Server {
	return &Server{
		deps:   deps,
		opts:   opts,
		logger: logging.NewComponentLogger(deps.Logger, "api"),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.requestContext)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.opts.WebhookSecret != "" {
			r.Post("/provider/callback", s.handleCallback)
		}

		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(s.opts.APIToken))

			r.Get("/accounts/{account}", s.handleAccount)
			r.Get("/accounts/{account}/ledger", s.handleLedger)
			r.Post("/accounts/{account}/credits", s.handleCredit)

			r.Post("/generations", s.handleGenerate)
			r.Get("/groups/{group}", s.handleGroup)
			r.Delete("/groups/{group}", s.handleResetGroup)
			r.Post("/groups/{group}/retry", s.handleRetryGroup)
			r.Post("/segments/{segment}/reset", s.handleResetSegment)
			r.Post("/segments/{segment}/retry", s.handleRetrySegment)

			r.Get("/pricing/quote", s.handleQuote)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.deps.Reconciler != nil {
		resp.Reconciler = s.deps.Reconciler.Status(r.Context())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) writeShortfall(w http.ResponseWriter, shortfall ledger.Shortfall) {
	s.writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
		Error:     "insufficient balance",
		Kind:      "insufficient_balance",
		Shortfall: &shortfall,
	})
}

// writeServiceError maps error markers onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	details := services.Details(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, segments.ErrGroupExists):
		status = http.StatusConflict
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, features.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	}
	if status == http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.logger).Error("request failed",
			logging.String(logging.FieldEventType, "api_request_failed"),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: details.Kind})
}
