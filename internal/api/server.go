// Package api is the front door: it routes signed carrier webhooks to the
// provider adapter, media-stream upgrades to the bridge, and serves health
// and metrics endpoints.
package api

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/supercall/supercall/internal/api/middleware"
	"github.com/supercall/supercall/internal/call"
	"github.com/supercall/supercall/internal/provider"
)

// maxWebhookBody caps carrier webhook bodies.
const maxWebhookBody = 1 << 20

// Config holds the server's routing parameters.
type Config struct {
	WebhookPath string
	StreamPath  string

	// BootSecret authenticates internal self-test probes on the webhook
	// path. It lives only in process memory.
	BootSecret string
}

// CallSink consumes normalized carrier events.
type CallSink interface {
	ProcessEvent(ev provider.Event)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	cfg    Config
	router *chi.Mux
	logger *slog.Logger

	prov    provider.Provider
	calls   CallSink
	stream  http.HandlerFunc
	metrics http.Handler
	limiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. The stream
// handler receives raw upgrade requests; metrics may be nil to disable the
// endpoint.
func NewServer(cfg Config, prov provider.Provider, calls CallSink, stream http.HandlerFunc, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		logger:  logger.With("subsystem", "api"),
		prov:    prov,
		calls:   calls,
		stream:  stream,
		metrics: metrics,
		limiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware state.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	// The media stream is exempt from rate limiting: it is one long-lived
	// upgrade per call, and the carrier retries aggressively.
	r.Get(s.cfg.StreamPath, s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Post(s.cfg.WebhookPath, s.handleWebhook)
		r.Get("/health", s.handleHealth)
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}
	})

	s.logger.Info("routes mounted", "webhookPath", s.cfg.WebhookPath, "streamPath", s.cfg.StreamPath)
}

// handleWebhook serves carrier status callbacks and call-control fetches.
// Internal self-test probes short-circuit before signature verification.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// A wrong or stale self-test token falls through to normal signature
	// verification like any other request.
	if probe := r.Header.Get(call.SelfTestHeader); probe != "" {
		if subtle.ConstantTimeCompare([]byte(probe), []byte(s.cfg.BootSecret)) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result := s.prov.VerifyWebhook(r, body)
	if !result.OK {
		if result.NgrokFreeTier {
			s.logger.Warn("webhook signature rejected behind the free ngrok tier; its interstitial page breaks carrier signatures", "url", result.URL)
		} else {
			s.logger.Warn("webhook signature rejected", "url", result.URL, "reason", result.Reason)
		}
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	events, resp, err := s.prov.ParseWebhookEvent(r, body)
	if err != nil {
		s.logger.Warn("unparseable webhook", "error", err)
		writeError(w, http.StatusBadRequest, "bad webhook payload")
		return
	}
	for _, ev := range events {
		s.calls.ProcessEvent(ev)
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body) //nolint:errcheck
	}
}

// handleStream hands the upgrade straight to the bridge.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r)
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
