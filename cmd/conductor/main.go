package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/conductor/internal/cmd/client"
	serverrun "github.com/rzbill/conductor/internal/cmd/server"
	cfgpkg "github.com/rzbill/conductor/internal/config"
	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
	logpkg "github.com/rzbill/conductor/pkg/log"
)

func main() {
	// Respect CONDUCTOR_LOG_LEVEL for both CLI and server start output
	level := os.Getenv("CONDUCTOR_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := clientcmd.NewRoot(clientcmd.DefaultBaseURL)
	rootCmd.Short = "conductor job orchestration engine"
	rootCmd.Long = "conductor runs task graphs against managed clusters. This CLI starts a node and drives its admin API."
	rootCmd.SilenceUsage = true

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverCmd.AddCommand(newServerStartCommand())
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServerStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a conductor node (worker, gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			grpcAddr, _ := cmd.Flags().GetString("grpc")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfgpkg.FromEnv(&cfg)

			// Flags win over file and environment.
			if cmd.Flags().Changed("grpc") || cfg.Server.GRPCAddr == "" {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("http") || cfg.Server.HTTPAddr == "" {
				cfg.Server.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				_ = os.Setenv("CONDUCTOR_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("CONDUCTOR_LOG_FORMAT", logFormat)
			}
			if cmd.Flags().Changed("worker-name") {
				cfg.Worker.Name, _ = cmd.Flags().GetString("worker-name")
			}
			if cmd.Flags().Changed("worker-concurrency") {
				cfg.Worker.Concurrency, _ = cmd.Flags().GetInt("worker-concurrency")
			}
			if disabled, _ := cmd.Flags().GetBool("worker-disabled"); disabled {
				cfg.Worker.Enabled = false
			}

			if err := serverrun.Run(context.Background(), serverrun.Options{
				DataDir:       dataDir,
				GRPCAddr:      cfg.Server.GRPCAddr,
				HTTPAddr:      cfg.Server.HTTPAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().String("config", os.Getenv("CONDUCTOR_CONFIG"), "Config file (JSON or YAML)")
	cmd.Flags().String("data-dir", "", "Data directory (if not specified, uses config or the OS-specific application data directory)")
	cmd.Flags().String("grpc", ":7071", "gRPC listen address (health)")
	cmd.Flags().String("http", ":7070", "HTTP listen address (admin API)")
	cmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	cmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	cmd.Flags().String("log-level", os.Getenv("CONDUCTOR_LOG_LEVEL"), "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", os.Getenv("CONDUCTOR_LOG_FORMAT"), "Log format: text|json (default text)")
	cmd.Flags().String("worker-name", "", "Worker name; nodes sharing a name elect one leader")
	cmd.Flags().Int("worker-concurrency", 0, "Concurrent task executions while leader")
	cmd.Flags().Bool("worker-disabled", false, "Serve the API without consuming tasks")
	return cmd
}
