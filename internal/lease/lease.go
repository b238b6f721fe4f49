// Package lease implements TTL'd mutual-exclusion leases on top of the
// storage layer. A lease is held by whoever owns its token; only the holder
// may renew or release it, and an expired lease is free for anyone.
//
// The worker runtime holds one leadership lease per worker name. Locks
// builds cluster and request locks from the same primitive.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

// Record is the persisted state of a lease.
type Record struct {
	Key          string `json:"key"`
	Token        string `json:"token"`
	Owner        string `json:"owner,omitempty"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	Renewals     int64  `json:"renewals"`
}

// ExpiresAt returns the expiry as a time.Time.
func (r Record) ExpiresAt() time.Time { return time.UnixMilli(r.ExpiresAtMs) }

// Manager grants and tracks leases. Every read-modify-write runs under mu, so
// two callers racing for the same key see exactly one winner.
type Manager struct {
	mu  sync.Mutex
	db  *pebblestore.DB
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by db.
func NewManager(db *pebblestore.DB, opts ...Option) *Manager {
	m := &Manager{db: db, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire takes key for ttl if it is free or expired. ok is false when a live
// lease is held by someone else; that is not an error.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	return m.AcquireAs(ctx, key, "", ttl)
}

// AcquireAs is Acquire recording owner as a human-readable holder name.
func (m *Manager) AcquireAs(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("lease: empty key")
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("lease: ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	prev, found, err := m.load(key)
	if err != nil {
		return "", false, err
	}
	if found && prev.ExpiresAtMs > now {
		return "", false, nil
	}

	rec := Record{
		Key:          key,
		Token:        uuid.NewString(),
		Owner:        owner,
		AcquiredAtMs: now,
		ExpiresAtMs:  now + ttl.Milliseconds(),
	}
	var stale *Record
	if found {
		stale = &prev
	}
	if err := m.write(ctx, rec, stale); err != nil {
		return "", false, err
	}
	return rec.Token, true, nil
}

// Renew extends the lease by ttl from now. It returns false when token no
// longer holds the lease (released, expired, or taken over).
func (m *Manager) Renew(ctx context.Context, key string, ttl time.Duration, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	rec, found, err := m.load(key)
	if err != nil {
		return false, err
	}
	if !found || rec.Token != token || rec.ExpiresAtMs <= now {
		return false, nil
	}
	prev := rec
	rec.ExpiresAtMs = now + ttl.Milliseconds()
	rec.Renewals++
	if err := m.write(ctx, rec, &prev); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lease if token holds it. Releasing a lease that is no
// longer held is a no-op.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found, err := m.load(key)
	if err != nil {
		return err
	}
	if !found || rec.Token != token {
		return nil
	}
	b := m.db.NewBatch()
	defer b.Close()
	if err := b.Delete(recordKey(key), nil); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	if err := b.Delete(indexKey(rec.ExpiresAtMs, key), nil); err != nil {
		return fmt.Errorf("delete lease index: %w", err)
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit lease release: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of the lease if token holds it.
func (m *Manager) TTL(ctx context.Context, key, token string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found, err := m.load(key)
	if err != nil {
		return 0, false, err
	}
	now := m.now().UnixMilli()
	if !found || rec.Token != token || rec.ExpiresAtMs <= now {
		return 0, false, nil
	}
	return time.Duration(rec.ExpiresAtMs-now) * time.Millisecond, true, nil
}

// Holder returns the live lease on key, if any.
func (m *Manager) Holder(ctx context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found, err := m.load(key)
	if err != nil || !found {
		return Record{}, false, err
	}
	if rec.ExpiresAtMs <= m.now().UnixMilli() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Sweep deletes records of leases that expired before now and returns how
// many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()
	var keys []string
	var idx [][]byte
	err := m.db.ScanPrefix([]byte(prefixLeaseIdx), func(k, _ []byte) bool {
		exp, key, ok := parseIndexKey(k)
		if !ok {
			return true
		}
		if exp > now {
			return false
		}
		keys = append(keys, key)
		idx = append(idx, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scan lease index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	b := m.db.NewBatch()
	defer b.Close()
	for i, key := range keys {
		if err := b.Delete(recordKey(key), nil); err != nil {
			return 0, err
		}
		if err := b.Delete(idx[i], nil); err != nil {
			return 0, err
		}
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit lease sweep: %w", err)
	}
	return len(keys), nil
}

func (m *Manager) load(key string) (Record, bool, error) {
	raw, err := m.db.Get(recordKey(key))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read lease: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal lease: %w", err)
	}
	return rec, true, nil
}

func (m *Manager) write(ctx context.Context, rec Record, prev *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	b := m.db.NewBatch()
	defer b.Close()
	if prev != nil {
		if err := b.Delete(indexKey(prev.ExpiresAtMs, prev.Key), nil); err != nil {
			return fmt.Errorf("delete lease index: %w", err)
		}
	}
	if err := b.Set(recordKey(rec.Key), data, nil); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	if err := b.Set(indexKey(rec.ExpiresAtMs, rec.Key), nil, nil); err != nil {
		return fmt.Errorf("write lease index: %w", err)
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	return nil
}
