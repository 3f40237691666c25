package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cjeanneret/ZeroCam/internal/debug"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	metrics  http.Handler
}

// NewServer creates a server for the given address. metrics may be nil, in
// which case /metrics is not served.
func NewServer(addr string, cam Camera, broadcaster *Broadcaster, metrics http.Handler) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(cam, broadcaster),
		metrics:  metrics,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /capture", s.handlers.HandleCapture)
	mux.HandleFunc("POST /settings", s.handlers.HandleSettings)
	mux.HandleFunc("POST /focus/tap", s.handlers.HandleTapFocus)
	mux.HandleFunc("POST /focus/center", s.handlers.HandleCenterFocus)
	mux.HandleFunc("DELETE /focus", s.handlers.HandleClearFocus)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /events/stream", s.handlers.HandleEventStream)
	mux.HandleFunc("GET /events/ws", s.handlers.HandleEventSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		// Stream handlers end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		debug.Info("Web server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
