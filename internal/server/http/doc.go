// Package httpserver provides the admin REST API: job submission and
// inspection, a Server-Sent Events job watch, task stream statistics and
// worker status.
//
// Example:
//
//	s := httpserver.New(controllers.Deps{Health: rt, Submitter: sub, Jobs: rt.Store(), Tasks: rt.Store()}, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package httpserver
