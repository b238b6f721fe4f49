package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Worker.Name != "default" {
		t.Fatalf("default worker name")
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("default concurrency")
	}
	if cfg.Queue.Stream != "tasks" || cfg.Queue.Group != "workers" {
		t.Fatalf("default queue")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conductor.json")
	data := []byte(`{"worker":{"name":"provisioner","concurrency":8,"leaseTTL":"30s"},"store":{"driver":"sqlite","dsn":"/tmp/c.db"}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Name != "provisioner" || cfg.Worker.Concurrency != 8 {
		t.Fatalf("worker not loaded: %+v", cfg.Worker)
	}
	if cfg.Worker.LeaseTTL.D() != 30*time.Second {
		t.Fatalf("lease ttl %s", cfg.Worker.LeaseTTL)
	}
	if cfg.Worker.RenewInterval.D() != 5*time.Second {
		t.Fatalf("unset fields should keep defaults")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected sqlite")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conductor.yaml")
	data := []byte("worker:\n  name: upgrader\n  blockTimeout: 750ms\nqueue:\n  stream: lifecycle\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Name != "upgrader" {
		t.Fatalf("expected upgrader, got %q", cfg.Worker.Name)
	}
	if cfg.Worker.BlockTimeout.D() != 750*time.Millisecond {
		t.Fatalf("block timeout %s", cfg.Worker.BlockTimeout)
	}
	if cfg.Queue.Stream != "lifecycle" || cfg.Queue.Group != "workers" {
		t.Fatalf("queue %+v", cfg.Queue)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worker.LeaseTTL = Duration(time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("lease ttl below renew interval should fail")
	}
	cfg = Default()
	cfg.Store.Driver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("sqlite without dsn should fail")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("CONDUCTOR_WORKER_ENABLED", "false")
	t.Setenv("CONDUCTOR_WORKER_NAME", "staging")
	t.Setenv("CONDUCTOR_WORKER_CONCURRENCY", "24")
	t.Setenv("CONDUCTOR_LOCKS_CLUSTER_TTL", "1h")
	t.Setenv("CONDUCTOR_WORKER_LEASE_TTL", "not-a-duration")
	FromEnv(&cfg)
	if cfg.Worker.Enabled {
		t.Fatalf("env override bool")
	}
	if cfg.Worker.Name != "staging" {
		t.Fatalf("env override name")
	}
	if cfg.Worker.Concurrency != 24 {
		t.Fatalf("env override concurrency")
	}
	if cfg.Locks.ClusterTTL.D() != time.Hour {
		t.Fatalf("env override cluster ttl")
	}
	if cfg.Worker.LeaseTTL.D() != 15*time.Second {
		t.Fatalf("malformed duration should be ignored")
	}
}
