package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir string       `json:"dataDir" yaml:"dataDir"`
	Log     LogConfig    `json:"log" yaml:"log"`
	Worker  WorkerConfig `json:"worker" yaml:"worker"`
	Queue   QueueConfig  `json:"queue" yaml:"queue"`
	Locks   LocksConfig  `json:"locks" yaml:"locks"`
	Store   StoreConfig  `json:"store" yaml:"store"`
	Server  ServerConfig `json:"server" yaml:"server"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// WorkerConfig tunes the worker runtime.
type WorkerConfig struct {
	// Name is the leadership lease key; workers sharing a name form an
	// active/standby set.
	Name        string `json:"name" yaml:"name"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
	// LeaseTTL must exceed RenewInterval by a comfortable margin.
	LeaseTTL          Duration `json:"leaseTTL" yaml:"leaseTTL"`
	RenewInterval     Duration `json:"renewInterval" yaml:"renewInterval"`
	BlockTimeout      Duration `json:"blockTimeout" yaml:"blockTimeout"`
	VisibilityTimeout Duration `json:"visibilityTimeout" yaml:"visibilityTimeout"`
}

// QueueConfig names the stream and consumer group tasks flow through.
type QueueConfig struct {
	Stream string `json:"stream" yaml:"stream"`
	Group  string `json:"group" yaml:"group"`
}

// LocksConfig sets the TTLs of cluster and request locks.
type LocksConfig struct {
	ClusterTTL Duration `json:"clusterTTL" yaml:"clusterTTL"`
	RequestTTL Duration `json:"requestTTL" yaml:"requestTTL"`
}

// StoreConfig selects the Job/Task store backend.
type StoreConfig struct {
	// Driver is "pebble" (shares the runtime database) or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the sqlite file path; ignored for pebble.
	DSN string `json:"dsn" yaml:"dsn"`
}

// ServerConfig holds listener addresses. Empty disables the listener.
type ServerConfig struct {
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Worker: WorkerConfig{
			Name:              "default",
			Enabled:           true,
			Concurrency:       4,
			LeaseTTL:          Duration(15 * time.Second),
			RenewInterval:     Duration(5 * time.Second),
			BlockTimeout:      Duration(2 * time.Second),
			VisibilityTimeout: Duration(30 * time.Second),
		},
		Queue: QueueConfig{Stream: "tasks", Group: "workers"},
		Locks: LocksConfig{
			ClusterTTL: Duration(24 * time.Hour),
			RequestTTL: Duration(24 * time.Hour),
		},
		Store:  StoreConfig{Driver: "pebble"},
		Server: ServerConfig{HTTPAddr: ":7070", GRPCAddr: ":7071"},
	}
}

// Validate reports settings the runtime cannot work with.
func (c Config) Validate() error {
	if c.Worker.Name == "" {
		return fmt.Errorf("config: worker.name is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	if c.Worker.RenewInterval.D() <= 0 || c.Worker.LeaseTTL.D() <= c.Worker.RenewInterval.D() {
		return fmt.Errorf("config: worker.leaseTTL (%s) must exceed worker.renewInterval (%s)",
			c.Worker.LeaseTTL.D(), c.Worker.RenewInterval.D())
	}
	if c.Queue.Stream == "" || c.Queue.Group == "" {
		return fmt.Errorf("config: queue.stream and queue.group are required")
	}
	switch c.Store.Driver {
	case "pebble":
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for sqlite")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}
