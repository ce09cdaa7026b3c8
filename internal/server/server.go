package server

// Package server exposes the investigation core over HTTP:
//
//   POST   /api/v1/incidents        open an incident and start investigating
//   GET    /api/v1/incidents        list incidents (store-backed when available)
//   GET    /api/v1/incidents/{id}   incident with its evidence, hypotheses and actions
//   DELETE /api/v1/incidents/{id}   stop an investigation
//   GET    /ws/incidents/{id}       notification stream for one incident
//   GET    /health, /ready, /metrics
//
// A gRPC health service runs alongside on its own port for orchestrators
// that probe over gRPC.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-responder/internal/db"
	"github.com/kubilitics/kubilitics-responder/internal/middleware"
	"github.com/kubilitics/kubilitics-responder/internal/notify"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Investigations is the investigation manager as seen by the API.
type Investigations interface {
	Start(ctx context.Context, incident types.Incident) (types.Incident, error)
	Get(id string) (investigation.Context, error)
	List() []types.Incident
	Stop(ctx context.Context, id string) (types.Incident, error)
}

// Deps are the server's collaborators. Store and Bus are optional: without a
// store, listings come from memory; without a bus, streaming is disabled.
type Deps struct {
	Investigations Investigations
	Store          db.Store
	Bus            *notify.Bus
	Logger         *zap.Logger
}

// Server represents the responder API server
type Server struct {
	config Config
	deps   Deps
	logger *zap.Logger

	limiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// gRPC health
	grpcServer *grpc.Server
	health     *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new server.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Investigations == nil {
		return nil, fmt.Errorf("investigations manager cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cfg.withDefaults()
	return &Server{
		config:  c,
		deps:    deps,
		logger:  deps.Logger.Named("server"),
		limiter: middleware.NewRateLimiter(c.IncidentCreatesPerMinute),
		health:  health.NewServer(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Handler returns the HTTP routes. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return mux
}

// registerHandlers registers HTTP handlers
func (s *Server) registerHandlers(mux *http.ServeMux) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.Metrics(pattern, h))
	}

	// Probes
	route("/health", s.handleHealth)
	route("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	// Incidents
	route("/api/v1/incidents", s.handleIncidents)
	route("/api/v1/incidents/", s.handleIncidentByID)

	// Notification stream
	route("/ws/incidents/", s.handleIncidentStream)
}

// Start starts the HTTP and gRPC listeners.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.config.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort))
		if err != nil {
			s.shutdownHTTP()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("listen grpc: %w", err)
		}
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("starting gRPC health server", zap.String("addr", lis.Addr().String()))
			if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	s.logger.Info("responder API started",
		zap.Int("http_port", s.config.HTTPPort),
		zap.Int("grpc_port", s.config.GRPCPort),
	)
	return nil
}

// Stop gracefully stops the server. Open notification streams are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping responder API")
	s.health.Shutdown()
	s.cancel()
	s.limiter.Stop()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutdown HTTP server: %w", shutdownErr)
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.wg.Wait()
	return err
}

func (s *Server) shutdownHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready once the store answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not_ready",
				"reason": "database unavailable",
			})
			return
		}
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"active":    countActive(s.deps.Investigations.List()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func countActive(incidents []types.Incident) int {
	n := 0
	for _, inc := range incidents {
		if inc.Phase.IsActive() {
			n++
		}
	}
	return n
}
