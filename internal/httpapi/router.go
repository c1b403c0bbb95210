package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/processor"
)

// Server holds dependencies for the push API handlers.
type Server struct {
	Processor *processor.Processor

	// Schema is the Postgres schema with the sync bookkeeping tables.
	Schema string

	// AppID this deployment serves. Empty accepts pushes for any app.
	AppID string

	// RateLimitConfig bounds pushes per client group.
	RateLimitConfig RateLimitInfo

	limiter *RateLimiter
}

// errorResponse is the JSON envelope for non-2xx replies.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error envelope carrying the request's
// correlation ID so clients can quote it in bug reports.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{
		Error:         msg,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}

// Routes creates the HTTP router for the push API.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	if s.RateLimitConfig.MaxRequests > 0 {
		s.limiter = NewRateLimiter(s.RateLimitConfig)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/info", s.Info)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Post("/api/push", s.HandlePush)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
