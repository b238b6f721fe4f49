package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CONDUCTOR_* environment variables onto cfg. Malformed
// values are ignored.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("CONDUCTOR_DATA_DIR", &cfg.DataDir)
	str("CONDUCTOR_LOG_LEVEL", &cfg.Log.Level)
	str("CONDUCTOR_LOG_FORMAT", &cfg.Log.Format)

	str("CONDUCTOR_WORKER_NAME", &cfg.Worker.Name)
	if v := os.Getenv("CONDUCTOR_WORKER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.Enabled = b
		}
	}
	if v := os.Getenv("CONDUCTOR_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	dur("CONDUCTOR_WORKER_LEASE_TTL", &cfg.Worker.LeaseTTL)
	dur("CONDUCTOR_WORKER_RENEW_INTERVAL", &cfg.Worker.RenewInterval)
	dur("CONDUCTOR_WORKER_BLOCK_TIMEOUT", &cfg.Worker.BlockTimeout)
	dur("CONDUCTOR_WORKER_VISIBILITY_TIMEOUT", &cfg.Worker.VisibilityTimeout)

	str("CONDUCTOR_QUEUE_STREAM", &cfg.Queue.Stream)
	str("CONDUCTOR_QUEUE_GROUP", &cfg.Queue.Group)

	dur("CONDUCTOR_LOCKS_CLUSTER_TTL", &cfg.Locks.ClusterTTL)
	dur("CONDUCTOR_LOCKS_REQUEST_TTL", &cfg.Locks.RequestTTL)

	str("CONDUCTOR_STORE_DRIVER", &cfg.Store.Driver)
	str("CONDUCTOR_STORE_DSN", &cfg.Store.DSN)

	str("CONDUCTOR_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("CONDUCTOR_GRPC_ADDR", &cfg.Server.GRPCAddr)
}
