package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

type checkFunc func(context.Context) error

func (f checkFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

type fakeWorker struct {
	mu        sync.Mutex
	leader    bool
	listeners []func(bool)
}

func (f *fakeWorker) Name() string { return "default" }

func (f *fakeWorker) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeWorker) OnLeadershipChange(fn func(bool)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *fakeWorker) set(v bool) {
	f.mu.Lock()
	f.leader = v
	ls := append([]func(bool){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(v)
	}
}

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.grpc.Serve(lis) }()
	t.Cleanup(s.Close)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return res.GetStatus()
}

func TestHealthOverGRPC(t *testing.T) {
	c := dial(t, New(checkFunc(func(context.Context) error { return nil }), nil))
	if got := check(t, c, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", got)
	}
	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall status = %v, want SERVING", got)
	}
}

func TestUnhealthyStorage(t *testing.T) {
	c := dial(t, New(checkFunc(func(context.Context) error { return errors.New("closed") }), nil))
	if got := check(t, c, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}

func TestWorkerLeadershipStatus(t *testing.T) {
	s := New(nil, nil)
	w := &fakeWorker{}
	s.WatchWorker(w)
	c := dial(t, s)

	svc := WorkerServiceName("default")
	if got := check(t, c, svc); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("standby status = %v", got)
	}
	w.set(true)
	if got := check(t, c, svc); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("leader status = %v", got)
	}
	w.set(false)
	if got := check(t, c, svc); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("stepped-down status = %v", got)
	}
}
