package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	loggingpkg "github.com/drblury/nsai/internal/runtime/logging"
)

// Path is the only route served by Server.
const Path = "/metrics"

// Server is the metrics listener. net/http runs one handler goroutine per
// connection, and handlers only read from the Registry.
type Server struct {
	srv    *http.Server
	logger loggingpkg.ServiceLogger
}

// NewServer builds a server for addr (e.g. ":9090"). Any path other than
// /metrics answers 404.
func NewServer(addr string, registry *Registry, logger loggingpkg.ServiceLogger) *Server {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	mux := http.NewServeMux()
	mux.Handle(Path, registry.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With(loggingpkg.LogFields{"component": "metrics_server"}),
	}
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Metrics server running", loggingpkg.LogFields{"addr": s.srv.Addr})
	return ignoreClosed(s.srv.ListenAndServe())
}

// Serve accepts connections on ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Metrics server running", loggingpkg.LogFields{"addr": ln.Addr().String()})
	return ignoreClosed(s.srv.Serve(ln))
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
