// Package api exposes the LeadPipe HTTP endpoints: the messaging and booking webhooks,
// the reminder and follow-up polling endpoints, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/LeadPipe/internal/flow"
)

// Default configuration constants
const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Gatherer      prometheus.Gatherer
	TwilioWebhook http.HandlerFunc
	Location      *time.Location
	Now           func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) {
		o.Gatherer = g
	}
}

// WithTwilioWebhook mounts a Twilio inbound-message handler on /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// WithLocation sets the time zone of meeting dates that carry no offset.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithClock replaces time.Now in poll responses.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Server serves the LeadPipe endpoints.
type Server struct {
	router    *flow.Router
	reminders *flow.ReminderService
	followUps *flow.FollowUpService
	opts      Opts
	handler   http.Handler
}

// NewServer creates a Server backed by the conversation router and both dispatchers.
func NewServer(router *flow.Router, reminders *flow.ReminderService, followUps *flow.FollowUpService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer, Location: time.UTC, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{router: router, reminders: reminders, followUps: followUps, opts: cfg}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/whatsapp", s.whatsappWebhookHandler).Methods(http.MethodPost)
	r.HandleFunc("/webhook/meeting-scheduled", s.meetingScheduledHandler).Methods(http.MethodPost)
	r.HandleFunc("/process-reminders", s.processRemindersHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/process-followups", s.processFollowUpsHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.opts.TwilioWebhook != nil {
		r.HandleFunc("/webhook/twilio", s.opts.TwilioWebhook).Methods(http.MethodPost)
	}
	return r
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		return nil
	}
}
