package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"Gantry/internal/api"
	"Gantry/internal/config"
	"Gantry/internal/controller"
	"Gantry/internal/dispatch"
	"Gantry/internal/event"
	"Gantry/internal/forge"
	"Gantry/internal/leaderelection"
	"Gantry/internal/merge"
	"Gantry/internal/metrics"
	"Gantry/internal/policy"
	"Gantry/internal/provider"
	"Gantry/internal/provider/docker"
	"Gantry/internal/provider/ec2"
	"Gantry/internal/pullreq"
	"Gantry/internal/runner"
	"Gantry/internal/store"
	"Gantry/internal/workflow"
)

const version = "1.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry is a CI orchestration control plane",
	Long: `Gantry watches pull request events, evaluates merge policy,
manages ephemeral build runners, and dispatches matrix builds.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and descriptor files without serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (optional)")
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting gantry",
		"version", version,
		"provider", cfg.Provider.Type,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	registry := prometheus.NewRegistry()
	met := metrics.NewMetrics(registry)
	met.ControllerInfo.WithLabelValues(version, cfg.Provider.Type, modeString(cfg.DryRun)).Set(1)

	// Descriptor files: any parse error here aborts startup.
	rules, err := policy.Load(cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("failed to load merge policy: %w", err)
	}
	specs, err := runner.LoadSpecs(cfg.Runners.File)
	if err != nil {
		return fmt.Errorf("failed to load runner specs: %w", err)
	}
	workflows, err := workflow.Load(cfg.Workflows.File)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	forgeClient := forge.NewClient(cfg.Forge.BaseURL, cfg.Forge.Token, cfg.Forge.RequestTimeout, logger)

	prov, err := createProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	defer prov.Close()

	st, err := store.Open(ctx, store.Config{
		Enabled:    cfg.Store.Enabled,
		Type:       cfg.Store.Type,
		Path:       cfg.Store.Path,
		DSN:        cfg.Store.DSN,
		MaxRecords: cfg.Store.MaxRecords,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ingest := event.NewIngest(cfg.Server.EventBuffer, logger)
	prRegistry := pullreq.NewRegistry(cfg.Policy.ConflictLabel, cfg.Policy.MergeableLabel)

	mgr := runner.NewManager(runner.ManagerConfig{
		AcquireTimeout:    cfg.Runners.AcquireTimeout,
		ProvisionTimeout:  cfg.Runners.ProvisionTimeout,
		ProvisionAttempts: cfg.Runners.ProvisionAttempts,
		BackoffBase:       cfg.Runners.RetryBackoffBase,
		BackoffMax:        cfg.Runners.RetryBackoffMax,
		SweepInterval:     cfg.Runners.SweepInterval,
	}, prov, specs, st, met, logger)

	executor := dispatch.NewAgentExecutor(cfg.Workflows.AgentPort, logger)
	dispatcher := dispatch.NewDispatcher(mgr, executor, ingest, st, met, logger)

	coordinator := merge.NewCoordinator(merge.Config{
		Strategy:            cfg.Policy.MergeStrategy,
		ConflictLabel:       cfg.Policy.ConflictLabel,
		ConflictCommentKey:  cfg.Policy.ConflictCommentKey,
		ConflictCommentBody: cfg.Policy.ConflictCommentBody,
	}, forgeClient, prRegistry, st, met, logger)

	ctrl := controller.New(cfg, ingest, prRegistry, rules, coordinator, dispatcher, workflows, met, logger)

	apiServer := api.New(cfg, ingest, prRegistry, mgr, prov, st, met, registry, logger)
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	elector := leaderelection.New(cfg.LeaderElection, met, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- elector.Run(ctx,
			func(ctx context.Context) {
				logger.Info("became leader, starting control loops")
				go func() {
					if err := mgr.Run(ctx); err != nil {
						logger.Error("runner manager error", "error", err)
					}
				}()
				if err := ctrl.Run(ctx); err != nil {
					logger.Error("controller error", "error", err)
				}
			},
			func(ctx context.Context) {
				logger.Info("stopped leading")
			},
		)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("leader election error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("gantry stopped")
	return nil
}

// validate loads the config and the three descriptor files, reporting
// the first error. Exit status is the only output on success.
func validate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := policy.Load(cfg.Policy.File); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if _, err := runner.LoadSpecs(cfg.Runners.File); err != nil {
		return fmt.Errorf("runners: %w", err)
	}
	if _, err := workflow.Load(cfg.Workflows.File); err != nil {
		return fmt.Errorf("workflows: %w", err)
	}
	fmt.Println("configuration valid")
	return nil
}

func createProvider(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Type {
	case "ec2":
		return ec2.New(cfg.Provider.AWS, logger)
	case "docker":
		return docker.New(cfg.Provider.Docker, logger)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider.Type)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

func modeString(dryRun bool) string {
	if dryRun {
		return "dry-run"
	}
	return "active"
}
