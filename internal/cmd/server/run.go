package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/conductor/internal/config"
	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/queue"
	"github.com/rzbill/conductor/internal/runtime"
	grpcserver "github.com/rzbill/conductor/internal/server/grpc"
	httpserver "github.com/rzbill/conductor/internal/server/http"
	"github.com/rzbill/conductor/internal/server/http/controllers"
	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
	"github.com/rzbill/conductor/internal/tasks"
	"github.com/rzbill/conductor/internal/worker"
	logpkg "github.com/rzbill/conductor/pkg/log"
)

const (
	sweepInterval  = time.Minute
	shutdownNotice = 30 * time.Second
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	GRPCAddr      string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	// Registry holds the task implementations. Builtin tasks are added to
	// it; nil means builtins only.
	Registry *engine.Registry
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run opens the runtime, starts the worker and the gRPC and HTTP servers,
// and blocks until ctx is cancelled or a listener fails. Shutdown waits for
// in-flight tasks before closing storage.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.DataDir == "" {
		opts.DataDir = cfg.DataDir
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}

	procLogger := opts.Logger
	if procLogger == nil {
		var err error
		procLogger, err = logpkg.ApplyConfig(&logpkg.Config{
			Level:  getenvDefault("CONDUCTOR_LOG_LEVEL", cfg.Log.Level),
			Format: getenvDefault("CONDUCTOR_LOG_FORMAT", cfg.Log.Format),
		})
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		// Pebble logs through the standard library logger.
		logpkg.RedirectStdLog(procLogger)
	}

	rt, err := runtime.Open(sctx, runtime.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        cfg,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	reg := opts.Registry
	if reg == nil {
		reg = engine.NewRegistry()
	}
	if err := tasks.Register(reg); err != nil {
		return fmt.Errorf("register builtin tasks: %w", err)
	}

	stream, err := rt.TaskStream()
	if err != nil {
		return err
	}
	submitter, err := rt.Submitter()
	if err != nil {
		return err
	}
	w, err := worker.New(worker.Deps{
		Store:    rt.Store(),
		Queue:    stream,
		Leases:   rt.Leases(),
		Locks:    rt.Locks(),
		Registry: reg,
		Logger:   procLogger,
	}, worker.Options{
		Name:              cfg.Worker.Name,
		Group:             cfg.Queue.Group,
		Concurrency:       cfg.Worker.Concurrency,
		Enabled:           cfg.Worker.Enabled,
		LeaseTTL:          cfg.Worker.LeaseTTL.D(),
		RenewInterval:     cfg.Worker.RenewInterval.D(),
		BlockTimeout:      cfg.Worker.BlockTimeout.D(),
		VisibilityTimeout: cfg.Worker.VisibilityTimeout.D(),
	})
	if err != nil {
		return err
	}

	procLogger.Info("starting conductor",
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("worker", cfg.Worker.Name),
		logpkg.Bool("worker_enabled", cfg.Worker.Enabled),
		logpkg.F("tasks", reg.Names()),
	)

	if err := w.Start(sctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(sctx)
	if opts.GRPCAddr != "" {
		gsrv := grpcserver.New(rt, procLogger)
		gsrv.WatchWorker(w)
		g.Go(func() error {
			if err := gsrv.ListenAndServe(gctx, opts.GRPCAddr); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	if opts.HTTPAddr != "" {
		hsrv := httpserver.New(controllers.Deps{
			Health:    rt,
			Submitter: submitter,
			Jobs:      rt.Store(),
			Tasks:     rt.Store(),
			Queue:     stream,
			Workers:   []controllers.WorkerStatus{w},
		}, procLogger)
		g.Go(func() error {
			if err := hsrv.ListenAndServe(gctx, opts.HTTPAddr); err != nil {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		sweep(gctx, rt, stream, procLogger)
		return nil
	})

	serveErr := g.Wait()
	// Restore default signal handling: a second interrupt kills the process.
	stop()

	stopErr := stopWorker(w, procLogger)
	if stopErr != nil {
		stopErr = fmt.Errorf("worker shutdown: %w", stopErr)
	}
	procLogger.Info("conductor stopped")
	return errors.Join(serveErr, stopErr)
}

// stopWorker waits for the worker's in-flight tasks without a deadline,
// since storage must stay open until they commit. It logs progress while
// waiting.
func stopWorker(w *worker.Worker, logger logpkg.Logger) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownNotice)
		err := w.Stop(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logger.Warn("waiting for in-flight tasks", logpkg.Int64("in_flight", w.Status().InFlight))
	}
}

// sweep drops expired lease records and trims fully acknowledged stream
// entries until ctx ends.
func sweep(ctx context.Context, rt *runtime.Runtime, stream *queue.Stream, logger logpkg.Logger) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := rt.SweepLeases(ctx); err != nil {
				logger.Warn("sweep leases", logpkg.Err(err))
			} else if n > 0 {
				logger.Debug("swept expired leases", logpkg.Int("count", n))
			}
			if n, err := stream.Trim(ctx); err != nil {
				logger.Warn("trim task stream", logpkg.Err(err))
			} else if n > 0 {
				logger.Debug("trimmed task stream", logpkg.Int("count", n))
			}
		}
	}
}
