// Package api exposes FormPipe over HTTP: admin form management, the public respondent
// session endpoints, the Twilio SMS webhook and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FormPipe/internal/auth"
	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/BTreeMap/FormPipe/internal/twiliosms"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Default configuration constants
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	AdminToken    string
	Metrics       http.Handler
	Twilio        *TwilioOpts
	Conversations ConversationIndex
}

// TwilioOpts configures the SMS webhook.
type TwilioOpts struct {
	FormSlug string
	// Validator checks X-Twilio-Signature. Nil disables signature checks.
	Validator *twiliosms.Validator
	// PublicURL is the externally visible webhook URL used in signature checks.
	// When empty it is reconstructed from the request.
	PublicURL string
	// Sender delivers replies out of band. When nil, replies are returned as TwiML.
	Sender twiliosms.Sender
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken requires admin routes to carry this bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithTwilio enables the /twilio/sms webhook.
func WithTwilio(t TwilioOpts) Option {
	return func(o *Opts) { o.Twilio = &t }
}

// WithConversations replaces the index that maps SMS senders to sessions.
func WithConversations(c ConversationIndex) Option {
	return func(o *Opts) { o.Conversations = c }
}

// Server wires HTTP routes to the engine and store.
type Server struct {
	engine *engine.Engine
	store  store.Store
	signer *auth.Signer
	opts   Opts
	router chi.Router
	now    func() time.Time
}

// NewServer creates a Server. The signer issues and verifies public session tokens.
func NewServer(eng *engine.Engine, st store.Store, signer *auth.Signer, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Conversations == nil {
		cfg.Conversations = NewMemoryConversations()
	}
	s := &Server{engine: eng, store: st, signer: signer, opts: cfg, now: time.Now}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/forms", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/", s.createFormHandler)
		r.Get("/", s.listFormsHandler)
		r.Get("/{id}", s.getFormHandler)
		r.Patch("/{id}", s.patchFormHandler)
		r.Post("/{id}/publish", s.publishFormHandler)
		r.Get("/{id}/submissions", s.listSubmissionsHandler)
	})

	r.Route("/public", func(r chi.Router) {
		r.Post("/f/{slug}/sessions", s.createSessionHandler)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(s.requireSessionToken)
			r.Post("/message", s.messageHandler)
			r.Get("/messages", s.messagesHandler)
			r.Post("/complete", s.completeHandler)
		})
	})

	if s.opts.Twilio != nil {
		r.Post("/twilio/sms", s.twilioSMSHandler)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
