package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/conductor/internal/config"
	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/lease"
	"github.com/rzbill/conductor/internal/queue"
	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, config, and the engine's persistent components for
// a single node.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger

	leases *lease.Manager
	locks  *lease.Locks
	store  store.Store

	mu      sync.Mutex
	streams map[string]*queue.Stream
}

// Open initializes the underlying storage and returns a Runtime.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	// Pebble locks the directory, so one process owns the queue and leases.
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval})
	if err != nil {
		return nil, fmt.Errorf("open data dir %s: %w", opts.DataDir, err)
	}
	rt := &Runtime{
		db:      db,
		config:  cfg,
		logger:  logger.WithComponent("runtime"),
		leases:  lease.NewManager(db),
		streams: make(map[string]*queue.Stream),
	}
	rt.locks = lease.NewLocks(rt.leases, cfg.Locks.ClusterTTL.D(), cfg.Locks.RequestTTL.D())

	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.Store.DSN)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		rt.store = s
	default:
		rt.store = store.NewPebbleStore(db)
	}
	rt.logger.Info("runtime opened", log.Str("data_dir", opts.DataDir), log.Str("store", cfg.Store.Driver))
	return rt, nil
}

// Close closes the store and the underlying database.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.store.Close()
	return errors.Join(err, r.db.Close())
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	if _, err := r.store.GetCluster(ctx, "healthcheck"); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// OpenStream returns the named stream, opening it on first use. Streams
// hold their sequence in memory, so each name is opened once per process.
func (r *Runtime) OpenStream(name string) (*queue.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[name]; ok {
		return s, nil
	}
	s, err := queue.Open(r.db, name, queue.Options{VisibilityTimeout: r.config.Worker.VisibilityTimeout.D()})
	if err != nil {
		return nil, err
	}
	r.streams[name] = s
	return s, nil
}

// TaskStream is the configured stream task messages flow through.
func (r *Runtime) TaskStream() (*queue.Stream, error) {
	return r.OpenStream(r.config.Queue.Stream)
}

// Submitter builds a Submitter that plans onto the task stream.
func (r *Runtime) Submitter() (*engine.Submitter, error) {
	stream, err := r.TaskStream()
	if err != nil {
		return nil, err
	}
	planner := engine.NewPlanner(r.store, stream, r.logger)
	return engine.NewSubmitter(r.store, r.locks, planner, r.logger), nil
}

// SweepLeases removes expired lease records.
func (r *Runtime) SweepLeases(ctx context.Context) (int, error) {
	return r.leases.Sweep(ctx)
}

// Store returns the Job/Task store.
func (r *Runtime) Store() store.Store { return r.store }

// Leases returns the lease manager.
func (r *Runtime) Leases() *lease.Manager { return r.leases }

// Locks returns the cluster/request locks.
func (r *Runtime) Locks() *lease.Locks { return r.locks }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
