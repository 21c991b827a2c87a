// Package manager exposes the dispatcher's management API: agent CRUD,
// lifecycle control, credential pass-through and memory statistics. The API
// is internal; only the proxy and the admin CLI talk to it.
package manager

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Meistache/pixelated-dispatcher/internal/leapsrp"
	"github.com/Meistache/pixelated-dispatcher/internal/ports"
	"github.com/Meistache/pixelated-dispatcher/internal/provider"
	"github.com/Meistache/pixelated-dispatcher/internal/store"
	"github.com/Meistache/pixelated-dispatcher/internal/supervisor"
	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

// Lifecycle is what the API needs from the lifecycle supervisor.
type Lifecycle interface {
	Add(ctx context.Context, name, password string) (users.UserConfig, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (supervisor.AgentInfo, error)
	List(ctx context.Context) ([]supervisor.AgentInfo, error)
	ResetData(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	PassCredentials(name, password string)
	MemoryUsage(ctx context.Context) (provider.MemoryUsage, error)
	Initializing() bool
}

// Authenticator verifies and registers provider accounts.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*leapsrp.Session, error)
	Register(ctx context.Context, username, password string) error
}

// AuditLog reads recorded lifecycle events.
type AuditLog interface {
	EventsFor(user string, limit int) ([]store.Event, error)
}

// Dependencies defines what the management API needs from the rest of the
// application.
type Dependencies struct {
	Agents Lifecycle
	Auth   Authenticator // nil disables provider-side auth
	Audit  AuditLog      // nil disables the events endpoint
	Log    *slog.Logger
	Debug  bool
}

// Server is the management API server.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

// NewServer creates the management API server and registers its routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /agents", s.listAgents)
	s.mux.HandleFunc("POST /agents", s.addAgent)
	s.mux.HandleFunc("GET /agents/{name}", s.getAgent)
	s.mux.HandleFunc("GET /agents/{name}/runtime", s.getRuntime)
	s.mux.HandleFunc("PUT /agents/{name}/state", s.putState)
	s.mux.HandleFunc("PUT /agents/{name}/reset_data", s.resetData)
	s.mux.HandleFunc("DELETE /agents/{name}", s.removeAgent)
	s.mux.HandleFunc("POST /agents/{name}/authenticate", s.authenticate)
	s.mux.HandleFunc("GET /agents/{name}/events", s.listEvents)
	s.mux.HandleFunc("GET /stats/memory_usage", s.memoryUsage)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves the API over TLS until ctx is cancelled. Without a configured
// certificate a self-signed one is generated under dataDir.
func (s *Server) Run(ctx context.Context, bind, certFile, keyFile, dataDir string) error {
	if certFile == "" || keyFile == "" {
		var err error
		certFile, keyFile, err = EnsureSelfSignedCert(dataDir)
		if err != nil {
			return err
		}
		s.deps.Log.Warn("no TLS certificate configured, using self-signed", "cert", certFile)
	}

	srv := &http.Server{
		Addr:              bind,
		Handler:           s,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeTLS(certFile, keyFile)
	}()
	s.deps.Log.Info("management API listening", "addr", bind)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, users.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, users.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrExists):
		return http.StatusConflict
	case errors.Is(err, provider.ErrAlreadyRunning), errors.Is(err, provider.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, provider.ErrProviderInitializing),
		errors.Is(err, provider.ErrNotEnoughFreeMemory),
		errors.Is(err, ports.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, leapsrp.ErrAuthFailed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFor maps err to a status and writes the JSON error body. 500
// bodies only carry the error text in debug mode.
func (s *Server) writeErrorFor(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.deps.Log.Error("request failed", "err", err)
		if !s.deps.Debug {
			msg = "internal server error"
		}
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
