// Package client provides the `conductor` command-line client.
//
// The CLI talks to a conductor node's HTTP admin API for job operations
// and to its gRPC health service for liveness and worker leadership.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads CONDUCTOR_HTTP
// (default http://127.0.0.1:7070). The gRPC address is read from
// CONDUCTOR_GRPC (default 127.0.0.1:7071).
//
// Usage
//
//	conductor job submit -f scale_out.yaml
//	conductor job list --status doing,rolling --limit 20
//	conductor job watch 01J9Z...
//	conductor job tasks 01J9Z... --json
//	conductor worker list
//	conductor queue stats
//	conductor health --worker default
package client
