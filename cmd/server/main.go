package main

// Package main is the entry point for the kubilitics responder daemon.
//
// Responsibilities:
//   - Load and validate configuration from YAML and RESPONDER_* environment variables
//   - Open the SQLite incident store and resume investigations left active
//   - Wire the investigation core to Kubernetes, Prometheus and the gateway services
//   - Serve the incident API, notification stream, metrics and health endpoints
//   - Apply knowledge-base and log-level changes when the config file changes
//   - Shut down gracefully, leaving in-flight incidents resumable
//
// Graceful Shutdown:
//   - Stops accepting API requests
//   - Interrupts investigation loops without changing their phase
//   - Flushes the audit log and closes the store

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/audit"
	"github.com/kubilitics/kubilitics-responder/internal/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const defaultConfigPath = "/etc/kubilitics/responder.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "responder",
	Short:   "Kubilitics responder - OODA incident investigation and remediation",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		cfg := mgr.Get(cmd.Context())
		fmt.Printf("configuration OK (%d knowledge patterns, %d probe endpoints)\n",
			len(cfg.Knowledge.Patterns), len(cfg.Verification.Endpoints))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("responder %s (commit %s)\n", Version, GitCommit)
	},
}

func init() {
	path := os.Getenv("RESPONDER_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", path, "path to the YAML config file")
	rootCmd.AddCommand(validateCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context) (config.ConfigManager, error) {
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// run blocks until ctx is cancelled by a shutdown signal.
func run(ctx context.Context) error {
	mgr, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger := app.logger

	if n, err := app.manager.ResumeActive(ctx); err != nil {
		logger.Warn("failed to resume active incidents", zap.Error(err))
	} else if n > 0 {
		logger.Info("resumed investigations", zap.Int("count", n))
	}

	if err := app.server.Start(); err != nil {
		app.close(context.Background())
		return fmt.Errorf("start server: %w", err)
	}

	app.audit(ctx, audit.NewEvent(audit.EventServerStarted).
		WithMetadata("version", Version).
		WithMetadata("http_port", cfg.Server.Port).
		WithDescription("responder started"))

	go app.watchConfig(ctx, mgr.Watch(ctx))

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.close(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
