package engine

import (
	"context"
	"errors"

	"github.com/rzbill/conductor/internal/store"
)

// Locker takes and releases cluster and request locks. *lease.Locks
// satisfies it.
type Locker interface {
	LockCluster(ctx context.Context, clusterID string) (string, error)
	UnlockCluster(ctx context.Context, clusterID, token string) error
	LockRequest(ctx context.Context, requestID string) (string, error)
	UnlockRequest(ctx context.Context, requestID, token string) error
}

// ReleaseJobLocks drops the cluster and request locks recorded on job.
func ReleaseJobLocks(ctx context.Context, l Locker, job *store.Job) error {
	var errs []error
	if job.ClusterID != "" && job.ClusterLockToken != "" {
		errs = append(errs, l.UnlockCluster(ctx, job.ClusterID, job.ClusterLockToken))
	}
	if job.RequestID != "" && job.RequestLockToken != "" {
		errs = append(errs, l.UnlockRequest(ctx, job.RequestID, job.RequestLockToken))
	}
	return errors.Join(errs...)
}
