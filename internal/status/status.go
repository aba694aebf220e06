// Package status exposes the driver's current phase over the standard gRPC
// health protocol so supervisors can tell a training run from an evaluation
// pass, a finished run or a failed one.
package status

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/pointpillars/internal/monitoring"
)

// Service is the health service name of the driver as a whole. Each phase is
// also published as Service + "/" + phase, serving only while current.
const Service = "pointpillars.Trainer"

// Phase is a stage of a run.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseTrain    Phase = "train"
	PhaseEval     Phase = "eval"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

var phases = []Phase{PhaseStarting, PhaseTrain, PhaseEval, PhaseDone, PhaseFailed}

// Reporter receives phase transitions.
type Reporter interface {
	SetPhase(p Phase)
}

// Nop discards phase transitions.
type Nop struct{}

func (Nop) SetPhase(Phase) {}

// PhaseService is the per-phase health service name.
func PhaseService(p Phase) string { return Service + "/" + string(p) }

// Server serves gRPC health checks reflecting the current phase.
type Server struct {
	addr     string
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	phase Phase
}

// NewServer creates a server for addr, such as "localhost:50051". The phase
// starts as PhaseStarting.
func NewServer(addr string) *Server {
	s := &Server{addr: addr, health: health.NewServer()}
	s.SetPhase(PhaseStarting)
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("status server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[status] health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[status] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Phase returns the current phase.
func (s *Server) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase publishes p. The overall service is serving during starting,
// train and eval.
func (s *Server) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != p && s.phase != "" {
		monitoring.Logf("[status] phase %s -> %s", s.phase, p)
	}
	s.phase = p

	overall := healthpb.HealthCheckResponse_SERVING
	if p == PhaseDone || p == PhaseFailed {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(Service, overall)
	for _, q := range phases {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if q == p {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(PhaseService(q), st)
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("[status] health service stopped")
}
