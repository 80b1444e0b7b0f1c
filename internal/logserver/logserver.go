// Package logserver serves persisted build logs over HTTP.
package logserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nixpig/buildworker/internal/buildmanager"
	"github.com/nixpig/buildworker/internal/logstore"
)

const shutdownTimeout = 10 * time.Second

// LogReader reads persisted build logs.
type LogReader interface {
	Read(identity string, stream logstore.Stream) ([]byte, error)
}

// Server is the HTTP log server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a log server listening on addr.
func New(addr string, logs LogReader, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Handler(logs, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the routes of the log server.
func Handler(logs LogReader, logger *slog.Logger) http.Handler {
	h := &handler{logs: logs, logger: logger}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/api/logs/staging/{stream}/{project}", h.log)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("log server listening", "addr", ln.Addr().String())

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}

		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type handler struct {
	logs   LogReader
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (h *handler) log(w http.ResponseWriter, r *http.Request) {
	stream, err := logstore.ParseStream(chi.URLParam(r, "stream"))
	if err != nil {
		http.Error(w, "[ERROR] invalid stream", http.StatusBadRequest)
		return
	}

	project := chi.URLParam(r, "project")
	if err := buildmanager.ValidateIdentity(project); err != nil {
		http.Error(w, "[ERROR] invalid project name", http.StatusBadRequest)
		return
	}

	content, err := h.logs.Read(project, stream)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			http.Error(w, "[ERROR] file not found", http.StatusNotFound)
			return
		}

		h.logger.Error(
			"read build log",
			"project", project,
			"stream", stream,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		http.Error(w, "[ERROR] failed to read log", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(content)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Debug(
					"http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
