// Package engine holds the job orchestration core that runs outside the
// worker loop: the task contract and registry, graph validation, the
// planner that persists a graph and seeds the queue, and the submitter that
// wraps planning with cluster and request locks.
//
// A job starts as a TaskGraph. Submit validates it (rejecting cycles),
// takes the locks, creates the Job, writes one Task per node and publishes
// an exec Message for every root. From there the worker package drives the
// job to done, error or rolled.
package engine
