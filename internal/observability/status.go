package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/thinkiot/internal/actuators"
)

// ServiceName is the gRPC health service name of the node.
const ServiceName = "thinkiot.Node"

// Status is the node state the health endpoints read. The loop writes it, the
// HTTP and gRPC servers read it.
type Status struct {
	link       atomic.Bool
	session    atomic.Bool
	lastSample atomic.Int64

	mu        sync.RWMutex
	actuators func() map[string]actuators.Position
	grpc      *health.Server
}

func NewStatus() *Status {
	return &Status{}
}

// AttachGRPC makes session changes visible on a gRPC health server.
func (s *Status) AttachGRPC(hs *health.Server) {
	s.mu.Lock()
	s.grpc = hs
	s.mu.Unlock()
	s.publishGRPC(s.session.Load())
}

// WatchActuators sets the source of the actuator snapshot in /healthz.
func (s *Status) WatchActuators(fn func() map[string]actuators.Position) {
	s.mu.Lock()
	s.actuators = fn
	s.mu.Unlock()
}

func (s *Status) SetLink(up bool) { s.link.Store(up) }

func (s *Status) SetSession(up bool) {
	if s.session.Swap(up) != up {
		s.publishGRPC(up)
	}
}

func (s *Status) MarkSample(t time.Time) { s.lastSample.Store(t.UnixNano()) }

func (s *Status) LinkUp() bool    { return s.link.Load() }
func (s *Status) SessionUp() bool { return s.session.Load() }

// LastSample is zero until the first burst.
func (s *Status) LastSample() time.Time {
	n := s.lastSample.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Status) Actuators() map[string]actuators.Position {
	s.mu.RLock()
	fn := s.actuators
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (s *Status) publishGRPC(up bool) {
	s.mu.RLock()
	hs := s.grpc
	s.mu.RUnlock()
	if hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}
