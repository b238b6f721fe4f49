// Package serverrun exposes the Run entrypoint used by the CLI to start a
// conductor node: runtime, worker, gRPC health and the HTTP admin API, with
// graceful shutdown.
//
// Example:
//
//	opts := serverrun.Options{DataDir: "./data", GRPCAddr: ":7071", HTTPAddr: ":7070", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
