package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return NewManager(db, WithClock(clock.Now)), clock
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.Acquire(ctx, "worker/worker-A", 10*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("want exactly one winner, got %d", wins.Load())
	}
}

func TestOnlyHolderRenews(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "k", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.Renew(ctx, "k", 10*time.Second, "not-the-token"); ok {
		t.Fatalf("stranger renewed the lease")
	}

	clock.Advance(8 * time.Second)
	if ok, err := m.Renew(ctx, "k", 10*time.Second, token); err != nil || !ok {
		t.Fatalf("holder renew: ok=%v err=%v", ok, err)
	}
	ttl, ok, _ := m.TTL(ctx, "k", token)
	if !ok || ttl != 10*time.Second {
		t.Fatalf("ttl after renew = %s ok=%v", ttl, ok)
	}

	// renewal moved expiry past the original deadline
	clock.Advance(5 * time.Second)
	if _, ok, _ := m.Acquire(ctx, "k", time.Second); ok {
		t.Fatalf("acquired a renewed lease")
	}
}

func TestExpiredLeaseIsFree(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	old, _, _ := m.Acquire(ctx, "k", time.Second)
	clock.Advance(2 * time.Second)

	if ok, _ := m.Renew(ctx, "k", time.Second, old); ok {
		t.Fatalf("expired lease renewed")
	}
	if _, ok, _ := m.TTL(ctx, "k", old); ok {
		t.Fatalf("expired lease reports ttl")
	}
	next, ok, err := m.Acquire(ctx, "k", time.Second)
	if err != nil || !ok || next == old {
		t.Fatalf("re-acquire: token=%q ok=%v err=%v", next, ok, err)
	}
	// the old holder's release must not drop the new lease
	if err := m.Release(ctx, "k", old); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := m.Holder(ctx, "k"); !ok {
		t.Fatalf("stale release dropped the new lease")
	}
}

func TestReleaseFreesKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, _, _ := m.Acquire(ctx, "k", time.Minute)
	if err := m.Release(ctx, "k", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := m.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("key not free after release")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, _, _ = m.Acquire(ctx, "a", time.Second)
	_, _, _ = m.Acquire(ctx, "b", time.Hour)
	clock.Advance(time.Minute)

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok, _ := m.Holder(ctx, "b"); !ok {
		t.Fatalf("live lease swept")
	}
}

func TestLocksReportContention(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	locks := NewLocks(m, time.Hour, time.Hour)

	token, err := locks.LockCluster(ctx, "c-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := locks.LockCluster(ctx, "c-1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("want ErrLocked, got %v", err)
	}
	if _, err := locks.LockCluster(ctx, "c-2"); err != nil {
		t.Fatalf("other cluster should be free: %v", err)
	}
	// request and cluster namespaces do not collide
	if _, err := locks.LockRequest(ctx, "c-1"); err != nil {
		t.Fatalf("request lock: %v", err)
	}
	if err := locks.UnlockCluster(ctx, "c-1", token); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := locks.LockCluster(ctx, "c-1"); err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
}
