package grpcserver

import (
	"context"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/conductor/pkg/log"
)

// ServiceName is the health service name reporting storage health.
const ServiceName = "conductor"

// WorkerServiceName is the health service name of a worker's leadership.
func WorkerServiceName(worker string) string { return ServiceName + ".worker." + worker }

// HealthChecker reports storage health. *runtime.Runtime satisfies it.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Leadership is what the server needs from a worker. *worker.Worker
// satisfies it.
type Leadership interface {
	Name() string
	IsLeader() bool
	OnLeadershipChange(fn func(leader bool))
}

// WatchWorker publishes w's leadership as SERVING (leader) or NOT_SERVING
// (standby) under WorkerServiceName.
func (s *Server) WatchWorker(w Leadership) {
	name := WorkerServiceName(w.Name())
	set := func(leader bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if leader {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(name, st)
		s.logger.Debug("worker health", log.Str("service", name), log.Stringer("status", st))
	}
	w.OnLeadershipChange(set)
	set(w.IsLeader())
}

// probe refreshes the storage health status.
func (s *Server) probe(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.checker != nil {
		if err := s.checker.CheckHealth(ctx); err != nil {
			s.logger.Warn("storage unhealthy", log.Err(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}
