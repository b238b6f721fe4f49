package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/queue"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/log"
)

// Queue is the slice of *queue.Stream the worker uses.
type Queue interface {
	engine.Publisher
	CreateGroup(ctx context.Context, group string) error
	Consume(ctx context.Context, group, consumer string, count int, block time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, group string, ids ...uint64) (int, error)
	Extend(ctx context.Context, group, consumer string, id uint64, d time.Duration) error
	RemoveConsumer(ctx context.Context, group, consumer string) error
}

// Leases is the slice of *lease.Manager the watchdog uses.
type Leases interface {
	AcquireAs(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error)
	Renew(ctx context.Context, key string, ttl time.Duration, token string) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Store    store.Store
	Queue    Queue
	Leases   Leases
	Locks    engine.Locker
	Registry *engine.Registry
	Logger   log.Logger
}

// Options tune a Worker.
type Options struct {
	// Name is the leadership key. Workers sharing a name are active/standby.
	Name        string
	Group       string
	Concurrency int
	// Enabled starts the worker willing to lead.
	Enabled           bool
	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Group == "" {
		o.Group = "workers"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = o.LeaseTTL / 3
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
}

// Status is a point-in-time view of a Worker.
type Status struct {
	Name        string `json:"name"`
	Instance    string `json:"instance"`
	Enabled     bool   `json:"enabled"`
	Leader      bool   `json:"leader"`
	Concurrency int    `json:"concurrency"`
	InFlight    int64  `json:"in_flight"`
}

// Worker executes dispatched tasks while it holds the leadership lease for
// its name. Start launches the watchdog; Stop shuts it down gracefully.
type Worker struct {
	opts     Options
	deps     Deps
	logger   log.Logger
	instance string

	enabled  atomic.Bool
	leader   atomic.Bool
	inFlight atomic.Int64

	mu        sync.Mutex
	listeners []func(bool)
	cancel    context.CancelFunc
	done      chan struct{}
}

// New validates deps and builds a Worker.
func New(deps Deps, opts Options) (*Worker, error) {
	if opts.Name == "" {
		return nil, errors.New("worker: name is required")
	}
	if deps.Store == nil || deps.Queue == nil || deps.Leases == nil || deps.Locks == nil || deps.Registry == nil {
		return nil, errors.New("worker: store, queue, leases, locks and registry are required")
	}
	opts.applyDefaults()
	if opts.LeaseTTL <= opts.RenewInterval {
		return nil, fmt.Errorf("worker: lease ttl %s must exceed renew interval %s", opts.LeaseTTL, opts.RenewInterval)
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	w := &Worker{
		opts:     opts,
		deps:     deps,
		instance: uuid.NewString(),
	}
	w.logger = deps.Logger.WithComponent("worker").With(log.Str("worker", opts.Name), log.Str("instance", w.instance[:8]))
	w.enabled.Store(opts.Enabled)
	return w, nil
}

// LeaseKey is the leadership lease key for a worker name.
func LeaseKey(name string) string { return "worker/" + name }

// Name returns the worker name.
func (w *Worker) Name() string { return w.opts.Name }

// IsLeader reports whether this instance currently holds the lease.
func (w *Worker) IsLeader() bool { return w.leader.Load() }

// SetEnabled toggles willingness to lead. Disabling a leader makes it step
// down at the next renewal tick, after in-flight tasks finish.
func (w *Worker) SetEnabled(v bool) { w.enabled.Store(v) }

// OnLeadershipChange registers fn to be called on every leadership change.
// Callbacks run on the watchdog goroutine and must not block.
func (w *Worker) OnLeadershipChange(fn func(leader bool)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	return Status{
		Name:        w.opts.Name,
		Instance:    w.instance,
		Enabled:     w.enabled.Load(),
		Leader:      w.leader.Load(),
		Concurrency: w.opts.Concurrency,
		InFlight:    w.inFlight.Load(),
	}
}

// Start ensures the consumer group exists and launches the watchdog.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return errors.New("worker: already started")
	}
	if err := w.deps.Queue.CreateGroup(ctx, w.opts.Group); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watchdog(runCtx, w.done)
	w.logger.Info("worker started", log.Int("concurrency", w.opts.Concurrency), log.Bool("enabled", w.enabled.Load()))
	return nil
}

// Stop stops consuming, waits for in-flight tasks, releases the lease and
// returns. If ctx ends first Stop returns its error while shutdown carries
// on in the background.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setLeader(v bool) {
	if w.leader.Swap(v) == v {
		return
	}
	w.mu.Lock()
	listeners := append([]func(bool){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

// watchdog tries to take the lease every renew interval and leads while it
// holds it.
func (w *Worker) watchdog(ctx context.Context, done chan struct{}) {
	defer close(done)
	key := LeaseKey(w.opts.Name)
	ticker := time.NewTicker(w.opts.RenewInterval)
	defer ticker.Stop()
	for {
		if w.enabled.Load() {
			token, ok, err := w.deps.Leases.AcquireAs(ctx, key, w.instance, w.opts.LeaseTTL)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					w.logger.Warn("acquire leadership lease", log.Err(err))
				}
			case ok:
				w.lead(ctx, key, token)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lead runs the consumers while renewing the lease. It returns once
// leadership has ended and every consumer has drained. The lease is renewed
// until the last in-flight task finishes, so a standby cannot take over
// while this instance is still executing.
func (w *Worker) lead(ctx context.Context, key, token string) {
	w.logger.Info("leadership acquired")
	w.setLeader(true)

	consumeCtx, stopConsumers := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(consumeCtx)
	for i := 0; i < w.opts.Concurrency; i++ {
		consumerID := fmt.Sprintf("%s-%s-%d", w.opts.Name, w.instance[:8], i)
		g.Go(func() error { return w.consume(gctx, consumerID) })
	}

	lost := w.holdLease(ctx, gctx, key, token)

	stopConsumers()
	var waitErr error
	drained := make(chan struct{})
	go func() {
		waitErr = g.Wait()
		close(drained)
	}()
	if !lost {
		lost = w.drainLease(context.WithoutCancel(ctx), key, token, drained)
	}
	<-drained
	if waitErr != nil {
		w.logger.Error("consumer exited", log.Err(waitErr))
	}
	if !lost {
		if err := w.deps.Leases.Release(context.WithoutCancel(ctx), key, token); err != nil {
			w.logger.Warn("release leadership lease", log.Err(err))
		}
	}
	w.setLeader(false)
	w.logger.Info("leadership released", log.Bool("lost", lost))
}

// holdLease renews until shutdown, disablement, consumer failure or loss.
// It reports whether the lease was lost rather than given up.
func (w *Worker) holdLease(ctx, consumers context.Context, key, token string) bool {
	ticker := time.NewTicker(w.opts.RenewInterval)
	defer ticker.Stop()
	expiry := time.NewTimer(w.opts.LeaseTTL)
	defer expiry.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-consumers.Done():
			return false
		case <-expiry.C:
			w.logger.Error("leadership lease expired before renewal")
			return true
		case <-ticker.C:
			if !w.enabled.Load() {
				w.logger.Info("worker disabled, stepping down")
				return false
			}
			if w.renew(ctx, key, token, expiry) {
				return true
			}
		}
	}
}

// drainLease keeps renewing while consumers finish their in-flight
// messages. It reports whether the lease was lost in the meantime.
func (w *Worker) drainLease(ctx context.Context, key, token string, drained <-chan struct{}) bool {
	ticker := time.NewTicker(w.opts.RenewInterval)
	defer ticker.Stop()
	expiry := time.NewTimer(w.opts.LeaseTTL)
	defer expiry.Stop()
	for {
		select {
		case <-drained:
			return false
		case <-expiry.C:
			w.logger.Error("leadership lease expired while draining", log.Int64("in_flight", w.inFlight.Load()))
			return true
		case <-ticker.C:
			if w.renew(ctx, key, token, expiry) {
				return true
			}
		}
	}
}

// renew extends the lease and rearms expiry. It reports whether the lease
// was lost; transient errors are logged and retried on the next tick.
func (w *Worker) renew(ctx context.Context, key, token string, expiry *time.Timer) bool {
	ok, err := w.deps.Leases.Renew(ctx, key, w.opts.LeaseTTL, token)
	if err != nil {
		w.logger.Warn("renew leadership lease", log.Err(err))
		return false
	}
	if !ok {
		w.logger.Error("leadership lease lost")
		return true
	}
	if !expiry.Stop() {
		select {
		case <-expiry.C:
		default:
		}
	}
	expiry.Reset(w.opts.LeaseTTL)
	return false
}
