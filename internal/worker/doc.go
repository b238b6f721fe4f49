// Package worker executes job tasks pulled from the task queue.
//
// A Worker only consumes while it holds the lease "worker/<name>"; other
// Workers in the node configured with the same name wait as standbys and take over
// when the lease lapses. Each message moves one task through its state
// machine:
//
//	exec:     doing -> done | failed
//	rollback: rolling -> rolled | roll_failed
//
// Every transition is a guarded update in the store, so duplicate and stale
// deliveries fall through as no-ops. Messages are acked only after the
// resulting state is committed.
package worker
