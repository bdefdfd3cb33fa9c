// Package server is the development HTTP server. It serves the artifact tree,
// injects the reload client into HTML pages and forwards reload events to
// connected browsers over a websocket.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/metrics"
	"github.com/conneroisu/sitepipe/internal/reload"
	"github.com/conneroisu/sitepipe/internal/version"
)

// Reserved route prefix. Nothing under it is read from the artifact tree.
const (
	routePrefix  = "/__sitepipe/"
	routeWS      = routePrefix + "ws"
	routeScript  = routePrefix + "reload.js"
	routeHealth  = routePrefix + "health"
	routeMetrics = routePrefix + "metrics"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	// Addr is host:port. Port 0 picks a free port.
	Addr string
	// Root is the artifact directory served at /.
	Root string
	Hub  *reload.Hub
	// Metrics is optional. Without it the metrics route answers 404.
	Metrics *metrics.PrometheusRecorder
	Logger  logging.Logger
}

// BuildStatus is the outcome of the most recent build.
type BuildStatus struct {
	BuildID  string    `json:"build_id,omitempty"`
	Task     string    `json:"task,omitempty"`
	Failed   bool      `json:"failed"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

// Server serves the artifact tree with live reload.
type Server struct {
	opts   Options
	logger logging.Logger

	listener   net.Listener
	httpServer *http.Server
	serverMu   sync.RWMutex

	// closed when the server shuts down; ends every websocket pump
	done         chan struct{}
	shutdownOnce sync.Once

	statusMu sync.RWMutex
	status   BuildStatus
}

// New creates a server. Nothing is bound until Listen.
func New(opts Options) (*Server, error) {
	if opts.Root == "" {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "server root is required")
	}
	if opts.Hub == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "server requires a reload hub")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Server{
		opts:   opts,
		logger: opts.Logger.WithComponent("server"),
		done:   make(chan struct{}),
	}, nil
}

// Listen binds the address. A bind failure is a ServerUnavailable error.
func (s *Server) Listen() error {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.NewServerUnavailableError(s.opts.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.serverMu.RLock()
	defer s.serverMu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Start binds and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve serves on the bound listener until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.serverMu.RLock()
	srv, ln := s.httpServer, s.listener
	s.serverMu.RUnlock()
	if srv == nil {
		return fmt.Errorf("serve called before listen")
	}

	s.logger.Info(ctx, "Dev server listening", "url", s.URL(), "root", s.opts.Root)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.Shutdown(shutdownCtx)
		<-errCh
		return err
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down dev server")
		close(s.done)

		s.serverMu.RLock()
		srv := s.httpServer
		s.serverMu.RUnlock()

		if srv != nil {
			shutdownErr = srv.Shutdown(ctx)
		}
	})

	return shutdownErr
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(routeWS, s.handleWebSocket)
	mux.HandleFunc(routeScript, s.handleReloadScript)
	mux.HandleFunc(routeHealth, s.handleHealth)
	mux.Handle(routeMetrics, s.opts.Metrics.Handler())
	mux.HandleFunc(routePrefix, http.NotFound)
	mux.Handle("/", injectReloadScript(http.HandlerFunc(s.handleStatic)))

	return s.logRequests(mux)
}

// SetBuildStatus records the outcome of a build or rebuild. While the last
// build has failed, page requests get the error page.
func (s *Server) SetBuildStatus(buildID, task string, err error) {
	st := BuildStatus{BuildID: buildID, Task: task, Finished: time.Now().UTC()}
	if err != nil {
		st.Failed = true
		st.Error = err.Error()
	}

	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// Status returns the last recorded build status.
func (s *Server) Status() BuildStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if st := s.Status(); st.Failed && isPageRequest(r.URL.Path) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusInternalServerError)
		if err := buildErrorPage(st).Render(r.Context(), w); err != nil {
			s.logger.Warn(r.Context(), err, "Failed to render build error page")
		}
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.FileServer(http.Dir(s.opts.Root)).ServeHTTP(w, r)
}

// handleHealth returns the server health status for health checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.Status()
	buildCheck := map[string]interface{}{"status": "healthy", "build_id": st.BuildID}
	status := "healthy"
	if st.Failed {
		status = "degraded"
		buildCheck["status"] = "failed"
		buildCheck["task"] = st.Task
		buildCheck["error"] = st.Error
	}

	health := map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"version":    version.GetShortVersion(),
		"build_info": version.GetBuildInfo(),
		"checks": map[string]interface{}{
			"server": map[string]interface{}{"status": "healthy", "address": s.Addr()},
			"reload": map[string]interface{}{"status": "healthy", "clients": s.opts.Hub.Count()},
			"build":  buildCheck,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "Request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// isPageRequest reports whether path names an HTML page or a directory index.
func isPageRequest(path string) bool {
	return path == "" || strings.HasSuffix(path, "/") || strings.HasSuffix(path, ".html")
}
