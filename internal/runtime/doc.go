// Package runtime wires storage, config, and the engine's persistent
// components into a single node. It owns the pebble database shared by the
// task queue, the leases and (by default) the Job/Task store.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	sub, _ := rt.Submitter()
//	job, _ := sub.Submit(ctx, engine.Submission{Name: "scale-out", Graph: g})
package runtime
