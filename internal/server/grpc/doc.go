// Package grpcserver hosts the standard gRPC health service. The service
// "conductor" reflects storage health; "conductor.worker.<name>" is SERVING
// while the local worker of that name leads and NOT_SERVING on a standby,
// which lets load balancers and probes find the active instance.
//
// Example:
//
//	s := grpcserver.New(rt, logger)
//	s.WatchWorker(w)
//	_ = s.ListenAndServe(ctx, ":7071")
package grpcserver
