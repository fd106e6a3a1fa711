package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"calfeed/internal/config"
	"calfeed/internal/feed"
	"calfeed/internal/google"
	appLog "calfeed/internal/log"
	"calfeed/internal/poller"
)

const shutdownTimeout = 10 * time.Second

// Options carries the server's collaborators. Registry is required.
type Options struct {
	Registry *poller.Registry
	Health   *feed.HealthTracker
	// Upstream is the client the relay uses to reach calendar providers.
	// Without its own CheckRedirect it only follows redirects to acceptable
	// feed links.
	Upstream *http.Client
	// Calendars lists the signed-in account's calendars. Optional.
	Calendars func(ctx context.Context) ([]google.FeedCandidate, error)
}

// Server provides the HTTP API: the relay function, URL resolution and
// subscription snapshots.
type Server struct {
	cfg       *config.Config
	registry  *poller.Registry
	health    *feed.HealthTracker
	upstream  *http.Client
	calendars func(ctx context.Context) ([]google.FeedCandidate, error)
	mux       *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, opts Options) *Server {
	upstream := opts.Upstream
	if upstream == nil {
		upstream = &http.Client{Timeout: cfg.Fetch.Timeout}
	}
	if upstream.CheckRedirect == nil {
		c := *upstream
		c.CheckRedirect = feed.CheckRedirect
		upstream = &c
	}
	s := &Server{
		cfg:       cfg,
		registry:  opts.Registry,
		health:    opts.Health,
		upstream:  upstream,
		calendars: opts.Calendars,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/relay", s.handleRelay)
	s.mux.HandleFunc("OPTIONS /api/relay", s.handleRelayPreflight)

	s.mux.HandleFunc("POST /api/feeds/resolve", s.handleResolve)
	s.mux.HandleFunc("GET /api/feeds/health", s.handleFeedHealth)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)

	s.mux.HandleFunc("POST /api/subscriptions", s.handleSubscribe)
	s.mux.HandleFunc("GET /api/subscriptions/{id}", s.handleSubscription)
	s.mux.HandleFunc("POST /api/subscriptions/{id}/refetch", s.handleRefetch)
	s.mux.HandleFunc("DELETE /api/subscriptions/{id}", s.handleUnsubscribe)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/combined", s.handleCombined)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers with HTTP Basic Auth except /health,
// CORS preflights and, when it has its own API key, the relay.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/api/relay" && s.cfg.RelayAPIKey != "" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calfeed", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// decodeJSON reads a small JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	return json.NewDecoder(r.Body).Decode(v)
}
