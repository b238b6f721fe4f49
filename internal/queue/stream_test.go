package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStream(t *testing.T, clock *testClock) *Stream {
	t.Helper()
	opts := Options{VisibilityTimeout: 10 * time.Second}
	if clock != nil {
		opts.Now = clock.Now
	}
	s, err := Open(newTestDB(t), "tasks", opts)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return s
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t, nil)
	if err := s.CreateGroup(ctx, "workers"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := s.CreateGroup(ctx, "workers"); err != nil {
		t.Fatalf("create group twice should be a no-op: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if _, err := s.Publish(ctx, []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	msgs, err := s.Consume(ctx, "workers", "c1", 2, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Payload) != "a" || string(msgs[1].Payload) != "b" {
		t.Fatalf("unexpected batch: %+v", msgs)
	}
	// competing consumer gets the rest
	rest, _ := s.Consume(ctx, "workers", "c2", 10, 0)
	if len(rest) != 1 || string(rest[0].Payload) != "c" {
		t.Fatalf("unexpected rest: %+v", rest)
	}

	n, err := s.Ack(ctx, "workers", msgs[0].ID, msgs[1].ID, rest[0].ID)
	if err != nil || n != 3 {
		t.Fatalf("ack: n=%d err=%v", n, err)
	}
	pending, _ := s.Pending(ctx, "workers")
	if len(pending) != 0 {
		t.Fatalf("pending after ack: %+v", pending)
	}
}

func TestEveryGroupSeesEveryMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t, nil)
	_, _ = s.Publish(ctx, []byte("before"))
	_ = s.CreateGroup(ctx, "g1")
	_ = s.CreateGroup(ctx, "g2")
	_ = s.CreateGroupAtTail(ctx, "late")
	_, _ = s.Publish(ctx, []byte("after"))

	for _, g := range []string{"g1", "g2"} {
		msgs, _ := s.Consume(ctx, g, "c", 10, 0)
		if len(msgs) != 2 {
			t.Fatalf("group %s got %d messages", g, len(msgs))
		}
	}
	msgs, _ := s.Consume(ctx, "late", "c", 10, 0)
	if len(msgs) != 1 || string(msgs[0].Payload) != "after" {
		t.Fatalf("tail group got %+v", msgs)
	}
}

func TestUnackedMessageRedeliveredAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStream(t, clock)
	_ = s.CreateGroup(ctx, "workers")
	_, _ = s.Publish(ctx, []byte("job"))

	first, _ := s.Consume(ctx, "workers", "crashed", 1, 0)
	if len(first) != 1 {
		t.Fatalf("first delivery: %+v", first)
	}
	if again, _ := s.Consume(ctx, "workers", "other", 1, 0); len(again) != 0 {
		t.Fatalf("redelivered before the lease lapsed: %+v", again)
	}

	clock.Advance(11 * time.Second)
	again, err := s.Consume(ctx, "workers", "other", 1, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(again) != 1 || again[0].ID != first[0].ID || again[0].Deliveries != 2 {
		t.Fatalf("expected redelivery, got %+v", again)
	}
	// the crashed consumer no longer owns it
	if err := s.Extend(ctx, "workers", "crashed", first[0].ID, time.Minute); !errors.Is(err, ErrNotPending) {
		t.Fatalf("extend by old owner: %v", err)
	}
}

func TestExtendKeepsMessageInvisible(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStream(t, clock)
	_ = s.CreateGroup(ctx, "workers")
	_, _ = s.Publish(ctx, []byte("slow"))

	msgs, _ := s.Consume(ctx, "workers", "c1", 1, 0)
	clock.Advance(8 * time.Second)
	if err := s.Extend(ctx, "workers", "c1", msgs[0].ID, 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	clock.Advance(8 * time.Second)
	if got, _ := s.Consume(ctx, "workers", "c2", 1, 0); len(got) != 0 {
		t.Fatalf("extended message was redelivered: %+v", got)
	}
}

func TestRemoveConsumerReleasesPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t, nil)
	_ = s.CreateGroup(ctx, "workers")
	_, _ = s.Publish(ctx, []byte("x"))

	msgs, _ := s.Consume(ctx, "workers", "c1", 1, 0)
	if len(msgs) != 1 {
		t.Fatalf("consume: %+v", msgs)
	}
	if err := s.RemoveConsumer(ctx, "workers", "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ := s.Consume(ctx, "workers", "c2", 1, 0)
	if len(got) != 1 || got[0].ID != msgs[0].ID {
		t.Fatalf("pending entry not released: %+v", got)
	}
	consumers, _ := s.Consumers(ctx, "workers")
	if len(consumers) != 1 || consumers[0].ID != "c2" || consumers[0].Pending != 1 {
		t.Fatalf("consumers: %+v", consumers)
	}
}

func TestConsumeBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t, nil)
	_ = s.CreateGroup(ctx, "workers")

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := s.Consume(ctx, "workers", "c1", 1, 2*time.Second)
		done <- msgs
	}()
	time.Sleep(20 * time.Millisecond)
	_, _ = s.Publish(ctx, []byte("wake"))

	select {
	case msgs := <-done:
		if len(msgs) != 1 || string(msgs[0].Payload) != "wake" {
			t.Fatalf("unexpected: %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatalf("consume did not wake on publish")
	}

	start := time.Now()
	msgs, err := s.Consume(ctx, "workers", "c1", 1, 30*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("timeout consume: %+v %v", msgs, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("returned before the block timeout")
	}
}

func TestConsumeUnknownGroup(t *testing.T) {
	s := newTestStream(t, nil)
	if _, err := s.Consume(context.Background(), "nope", "c", 1, 0); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("want ErrNoGroup, got %v", err)
	}
}

func TestTrimKeepsUnackedEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t, nil)
	_ = s.CreateGroup(ctx, "workers")
	for i := 0; i < 4; i++ {
		_, _ = s.Publish(ctx, []byte{byte(i)})
	}
	msgs, _ := s.Consume(ctx, "workers", "c", 4, 0)
	_, _ = s.Ack(ctx, "workers", msgs[0].ID, msgs[1].ID, msgs[3].ID)

	n, err := s.Trim(ctx)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n != 2 {
		t.Fatalf("trimmed %d, want 2", n)
	}
	// reopen to check the tail survives restarts
	s2, err := Open(s.db, "tasks", Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.LastID() != 4 {
		t.Fatalf("last id %d", s2.LastID())
	}
}
