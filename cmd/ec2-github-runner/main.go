package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scotthogan/ec2-github-runner/internal/buildinfo"
	"github.com/scotthogan/ec2-github-runner/internal/config"
	"github.com/scotthogan/ec2-github-runner/internal/health"
	"github.com/scotthogan/ec2-github-runner/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
	instanceID    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ec2-github-runner",
	Short: "Provision ephemeral self-hosted GitHub Actions runners on cloud instances",
	Long: `ec2-github-runner starts a cloud instance (EC2, GCP, or a local Docker
container), registers it as a self-hosted GitHub Actions runner under a
unique label, waits for it to come online, and tears both down again.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an instance and wait for its runner to register",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStart(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate the instance and deregister its runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStop(ctx)
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd)

	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	pf.StringVar(&flagOverrides.GitHub.Token, "token", "", "GitHub personal access token with the repo scope")
	pf.StringVar(&flagOverrides.GitHub.Owner, "owner", "", "Repository owner")
	pf.StringVar(&flagOverrides.GitHub.Repo, "repo", "", "Repository name")
	pf.StringVar(&flagOverrides.GitHub.Host, "host", "", "GitHub host (for GitHub Enterprise Server)")

	// Runner overrides
	pf.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner label (generated on start if unset)")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	stopCmd.Flags().StringVar(&instanceID, "instance-id", "", "Instance ID returned by start")
	_ = stopCmd.MarkFlagRequired("instance-id")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.Owner != "" {
		cfg.GitHub.Owner = flagOverrides.GitHub.Owner
	}
	if flagOverrides.GitHub.Repo != "" {
		cfg.GitHub.Repo = flagOverrides.GitHub.Repo
	}
	if flagOverrides.GitHub.Host != "" {
		cfg.GitHub.Host = flagOverrides.GitHub.Host
	}
	if flagOverrides.Runner.Label != "" {
		cfg.Runner.Label = flagOverrides.Runner.Label
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// setup loads config, builds the logger, and installs the OTel SDK.
// It is shared by the start and stop commands.
func setup(ctx context.Context) (*config.Config, *slog.Logger, func(context.Context) error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.EnabledEngine()),
		slog.String("repo", cfg.RepoURL()),
	)

	shutdown, err := otel.Setup(ctx, health.ServiceName, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.Prometheus.Port,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	return cfg, logger, shutdown, nil
}

// serveMetrics starts the /metrics + /healthz HTTP server when a
// Prometheus port is configured.  It returns a shutdown func (no-op when
// disabled).
func serveMetrics(cfg *config.Config, logger *slog.Logger, label string) func(context.Context) {
	if cfg.Prometheus.Port <= 0 {
		return func(context.Context) {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.Handler(cfg.Engine.EnabledEngine(), label))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Prometheus.Port),
		Handler: mux,
	}

	go func() {
		logger.Info("serving metrics", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func(ctx context.Context) {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func runStart(ctx context.Context) error {
	cfg, logger, otelShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = otelShutdown(context.WithoutCancel(ctx))
	}()

	label := cfg.Runner.Label
	if label == "" {
		label = uuid.NewString()[:8]
		logger.Info("generated runner label", slog.String("label", label))
	}

	stopMetrics := serveMetrics(cfg, logger, label)
	defer stopMetrics(context.WithoutCancel(ctx))

	ghc, err := cfg.NewGitHubClient(logger)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	token, err := ghc.GetRegistrationToken(ctx)
	if err != nil {
		return err
	}

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	if closer, ok := eng.(io.Closer); ok {
		defer closer.Close()
	}

	name := "runner-" + label
	id, err := eng.StartInstance(ctx, cfg.StartSpec(name, label, token))
	if err != nil {
		return fmt.Errorf("starting instance: %w", err)
	}

	logger.Info("instance started",
		slog.String("instanceID", id),
		slog.String("label", label),
	)

	// Emit the outputs the stop command needs before waiting, so a
	// teardown job can clean up even if registration times out.
	fmt.Printf("label=%s\n", label)
	fmt.Printf("instance-id=%s\n", id)

	runner, err := ghc.WaitForRunnerRegistered(ctx, label)
	if err != nil {
		return err
	}

	logger.Info("runner is ready",
		slog.Int64("runnerID", runner.ID),
		slog.String("name", runner.Name),
		slog.String("label", label),
	)

	return nil
}

func runStop(ctx context.Context) error {
	cfg, logger, otelShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = otelShutdown(context.WithoutCancel(ctx))
	}()

	label := cfg.Runner.Label
	if label == "" {
		return fmt.Errorf("runner label is required to stop (--label)")
	}

	stopMetrics := serveMetrics(cfg, logger, label)
	defer stopMetrics(context.WithoutCancel(ctx))

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	if closer, ok := eng.(io.Closer); ok {
		defer closer.Close()
	}

	// Terminate the instance first so the runner process is gone before
	// its registration is removed.  Both steps run even if one fails.
	var errs []error

	if err := eng.TerminateInstance(ctx, instanceID); err != nil {
		errs = append(errs, fmt.Errorf("terminating instance %s: %w", instanceID, err))
	} else {
		logger.Info("instance terminated", slog.String("instanceID", instanceID))
	}

	ghc, err := cfg.NewGitHubClient(logger)
	if err != nil {
		errs = append(errs, fmt.Errorf("creating github client: %w", err))
	} else if err := ghc.RemoveRunner(ctx, label); err != nil {
		errs = append(errs, err)
	} else {
		logger.Info("runner deregistered", slog.String("label", label))
	}

	return errors.Join(errs...)
}
