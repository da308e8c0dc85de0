// Package server exposes the tunnel endpoint and the admin API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/directory"
	"github.com/1ureka/vlessgate/internal/doh"
	"github.com/1ureka/vlessgate/internal/tunnel"
	"github.com/1ureka/vlessgate/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Server wires the HTTP routes to the tunnel sessions and the account store.
type Server struct {
	cfg      *config.Config
	store    *directory.Store
	resolver doh.Exchanger
	dialer   tunnel.Dialer
	registry *Registry
	limiter  *rate.Limiter
	metrics  *prometheus.Registry
	upgrader websocket.Upgrader
}

// New creates a server. cfg must already be validated.
func New(cfg *config.Config, store *directory.Store) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := util.RegisterMetrics(reg); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		resolver: doh.NewClient(cfg.Resolver, cfg.DoHTimeout),
		dialer:   &net.Dialer{KeepAlive: 30 * time.Second},
		registry: NewRegistry(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.AdminRate), cfg.AdminBurst),
		metrics:  reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleTunnel)
	mux.Handle("/user/add", s.admin(http.HandlerFunc(s.handleAdd)))
	mux.Handle("/user/remove", s.admin(http.HandlerFunc(s.handleRemove)))
	mux.Handle("/user/list", s.admin(http.HandlerFunc(s.handleList)))
	mux.Handle("/metrics", s.admin(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return mux
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// HTTP server down and closes every live session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.registry.CloseAll()
	}()

	util.LogSuccess("listening on %s, tunnel path %s", ln.Addr(), s.cfg.Path)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Sessions returns the number of live tunnel sessions.
func (s *Server) Sessions() int {
	return s.registry.Len()
}
