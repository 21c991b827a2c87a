// Package proxy is the public entry point of the dispatcher. It
// authenticates users against the provider through the manager and reverse
// proxies authenticated traffic to the per-user agent on its loopback port.
package proxy

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/Meistache/pixelated-dispatcher/internal/client"
	"github.com/Meistache/pixelated-dispatcher/internal/manager"
	"github.com/Meistache/pixelated-dispatcher/internal/metrics"
)

//go:embed templates/login.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// ManagerAPI is what the proxy needs from the management API.
type ManagerAPI interface {
	Authenticate(ctx context.Context, name, password string) error
	GetRuntime(ctx context.Context, name string) (client.Runtime, error)
}

var _ ManagerAPI = (*client.Client)(nil)

// Dependencies defines what the proxy needs from the rest of the
// application.
type Dependencies struct {
	Manager  ManagerAPI
	Sessions *Sessions
	Banner   template.HTML // optional login page notice, trusted HTML
	Log      *slog.Logger
}

// Server is the public-facing proxy server.
type Server struct {
	deps          Dependencies
	log           *slog.Logger
	mux           *http.ServeMux
	loginTmpl     *template.Template
	forwardClient *http.Client
	limiter       *loginLimiter
}

// NewServer creates the proxy server and registers its routes.
func NewServer(deps Dependencies) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/login.html")
	if err != nil {
		return nil, fmt.Errorf("parse login template: %w", err)
	}
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}

	s := &Server{
		deps:          deps,
		log:           deps.Log,
		mux:           http.NewServeMux(),
		loginTmpl:     tmpl,
		forwardClient: newForwardClient(),
		limiter:       newLoginLimiter(),
	}

	s.mux.HandleFunc("GET /auth/login", s.loginForm)
	s.mux.HandleFunc("POST /auth/login", s.login)
	s.mux.HandleFunc("GET /auth/logout", s.logout)
	s.mux.Handle("GET /dispatcher_static/",
		http.StripPrefix("/dispatcher_static/", http.FileServer(http.FS(static))))
	s.mux.HandleFunc("/", s.dispatch)

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves the proxy over TLS until ctx is cancelled. Without a
// configured certificate a self-signed one is generated under dataDir.
func (s *Server) Run(ctx context.Context, bind, certFile, keyFile, dataDir string) error {
	if certFile == "" || keyFile == "" {
		var err error
		certFile, keyFile, err = manager.EnsureSelfSignedCert(dataDir)
		if err != nil {
			return err
		}
		s.log.Warn("no TLS certificate configured, using self-signed", "cert", certFile)
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
	go func() {
		ticker := time.NewTicker(loginWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.cleanup()
			}
		}
	}()
	s.log.Info("proxy listening", "addr", bind)

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

type loginPage struct {
	Error  string
	Banner template.HTML
	XSRF   string
}

func (s *Server) loginForm(w http.ResponseWriter, r *http.Request) {
	s.renderLogin(w, r, r.URL.Query().Get("error"))
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, errMsg string) {
	page := loginPage{
		Error:  errMsg,
		Banner: s.deps.Banner,
		XSRF:   xsrfToken(w, r),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.loginTmpl.Execute(w, page); err != nil {
		s.log.Error("render login page", "error", err)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if !checkXSRF(r) {
		http.Error(w, "XSRF cookie does not match form value", http.StatusForbidden)
		return
	}
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.log.Warn("login rate limited", "ip", ip)
		http.Error(w, "Too many login attempts, try again later", http.StatusTooManyRequests)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	if username == "" || password == "" {
		s.redirectLoginError(w, r, "Invalid credentials")
		return
	}

	err := s.deps.Manager.Authenticate(r.Context(), username, password)
	if err != nil {
		var me *client.ManagerError
		switch {
		case errors.Is(err, client.ErrManagerInitializing):
			s.redirectLoginError(w, r, "Service temporarily unavailable")
		case errors.As(err, &me):
			s.log.Info("login rejected", "user", username, "code", me.Code)
			s.limiter.recordFailure(ip)
			s.redirectLoginError(w, r, "Invalid credentials")
		default:
			s.log.Error("login failed", "user", username, "error", err)
			s.redirectLoginError(w, r, "Service temporarily unavailable")
		}
		return
	}

	s.limiter.reset(ip)
	if err := s.deps.Sessions.Set(w, username); err != nil {
		s.log.Error("encode session", "user", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.log.Info("user logged in", "user", username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) redirectLoginError(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/auth/login?error="+template.URLQueryEscaper(msg), http.StatusFound)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if user, ok := s.deps.Sessions.User(r); ok {
		s.log.Info("user logged out", "user", user)
	}
	s.deps.Sessions.Clear(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "You are now logged out")
}

// dispatch handles every path outside /auth and /dispatcher_static: it
// requires a session and forwards the request to the user's agent.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	user, ok := s.deps.Sessions.User(r)
	if !ok {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}

	rt, err := s.deps.Manager.GetRuntime(r.Context(), user)
	if err != nil || rt.State != "running" || rt.Port == 0 {
		if err != nil {
			s.log.Warn("agent lookup failed", "user", user, "error", err)
		}
		metrics.ProxiedRequests.WithLabelValues("agent_down").Inc()
		http.Error(w, "Sorry, your agent is down", http.StatusServiceUnavailable)
		return
	}

	s.forward(w, r, rt.Port)
}
