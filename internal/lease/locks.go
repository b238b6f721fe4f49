package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned when a cluster or request lock is already held.
var ErrLocked = errors.New("resource is locked by another operation, please wait and retry")

// Locks serializes jobs per cluster and deduplicates retried requests.
type Locks struct {
	m          *Manager
	clusterTTL time.Duration
	requestTTL time.Duration
}

// NewLocks builds Locks over m.
func NewLocks(m *Manager, clusterTTL, requestTTL time.Duration) *Locks {
	return &Locks{m: m, clusterTTL: clusterTTL, requestTTL: requestTTL}
}

// ClusterKey is the lease key guarding clusterID.
func ClusterKey(clusterID string) string { return "cluster/" + clusterID }

// RequestKey is the lease key guarding requestID.
func RequestKey(requestID string) string { return "request/" + requestID }

// LockCluster takes the cluster lock or returns ErrLocked.
func (l *Locks) LockCluster(ctx context.Context, clusterID string) (string, error) {
	return l.lock(ctx, ClusterKey(clusterID), l.clusterTTL)
}

// UnlockCluster releases the cluster lock held by token.
func (l *Locks) UnlockCluster(ctx context.Context, clusterID, token string) error {
	return l.m.Release(ctx, ClusterKey(clusterID), token)
}

// LockRequest takes the request lock or returns ErrLocked.
func (l *Locks) LockRequest(ctx context.Context, requestID string) (string, error) {
	return l.lock(ctx, RequestKey(requestID), l.requestTTL)
}

// UnlockRequest releases the request lock held by token.
func (l *Locks) UnlockRequest(ctx context.Context, requestID, token string) error {
	return l.m.Release(ctx, RequestKey(requestID), token)
}

func (l *Locks) lock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, ok, err := l.m.Acquire(ctx, key, ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrLocked)
	}
	return token, nil
}
