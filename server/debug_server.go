package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/regionstore/config"
	"github.com/INLOpen/regionstore/region"
	"github.com/arl/statsviz"
)

// StatsSource reports the regions a process has open.
type StatsSource interface {
	Stats() []region.Stats
}

// DebugServer serves expvar metrics, pprof, statsviz and region stats.
type DebugServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewDebugServer creates and configures the debug HTTP server. stats may be
// nil, in which case /regions is not registered.
func NewDebugServer(cfg *config.DebugConfig, stats StatsSource, logger *slog.Logger) *DebugServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "DebugServer")

	return &DebugServer{
		server: &http.Server{
			Addr:              listenAddress(cfg),
			Handler:           newDebugMux(cfg, stats, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func listenAddress(cfg *config.DebugConfig) string {
	if cfg.ListenAddress == "" {
		return "127.0.0.1:6060"
	}
	return cfg.ListenAddress
}

func newDebugMux(cfg *config.DebugConfig, stats StatsSource, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/debug/vars", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /debug/vars")
	}
	if cfg.MonitorUIEnabled {
		if err := statsviz.Register(mux,
			statsviz.Root("/debug/statsviz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			logger.Warn("Failed to register statsviz", "error", err)
		} else {
			logger.Info("Runtime monitor UI is available at /debug/statsviz")
		}
	}
	if stats != nil {
		mux.HandleFunc("/regions", handleRegionStats(stats, logger))
	}
	return mux
}

func handleRegionStats(stats StatsSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.Stats()); err != nil {
			logger.Debug("Failed to write region stats", "error", err)
		}
	}
}

// Handler returns the server's request router.
func (s *DebugServer) Handler() http.Handler { return s.server.Handler }

// Start listens and serves until Stop. It's a blocking call.
func (s *DebugServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Debug server listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Debug server failed", "error", err)
		return fmt.Errorf("failed to start debug server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *DebugServer) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
	} else {
		s.logger.Info("Debug server stopped")
	}
}
