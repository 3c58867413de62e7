package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/dispatch"
	"github.com/vigilops/vigil/internal/escalation"
	"github.com/vigilops/vigil/internal/issues"
	"github.com/vigilops/vigil/internal/logging"
	"github.com/vigilops/vigil/internal/monitors"
	"github.com/vigilops/vigil/internal/pipeline"
	"github.com/vigilops/vigil/pkg/audit"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "vigil",
	Short:   "Vigil - issue detection and escalation pipeline",
	Long:    `Vigil polls telemetry sources for problem signatures, deduplicates them into issues and escalates them to notification channels by severity policy`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vigil.yaml", "path to config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Vigil %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Printf("%s: configuration OK\n", configPath)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; reconfigured once the config loads.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "vigil"})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "vigil",
		FilePath:  cfg.Log.File,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("Starting Vigil")

	recorder, err := buildRecorder(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audit backend")
	}

	store := issues.NewStore(cfg.Issues.ResolvedRetention.Std())
	table := escalation.NewTable(cfg.Policies())
	dispatcher := dispatch.NewDispatcher(cfg.BuildNotifiers())
	pipe := pipeline.New(store, table, dispatcher, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Addr)
	}

	go func() {
		err := config.Watch(ctx, configPath, func(updated *config.Config) {
			pipe.ReplacePolicies(updated.Policies())
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
		}
	}()

	runner := monitors.NewRunner(cfg.BuildMonitors(), pipe.Ingest, pipe.MonitorError)
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	<-runnerDone
	pipe.Stop()
	log.Info().Msg("Shutdown complete")
}

func buildRecorder(cfg *config.Config) (audit.Recorder, error) {
	switch cfg.Audit.Backend {
	case "file":
		return audit.NewFileRecorder(cfg.Audit.Path, cfg.Audit.RetentionDays)
	case "sqlite":
		return audit.NewSQLiteRecorder(audit.SQLiteRecorderConfig{
			DataDir:       cfg.Audit.Path,
			RetentionDays: cfg.Audit.RetentionDays,
		})
	default:
		return audit.NewConsoleRecorder(), nil
	}
}
