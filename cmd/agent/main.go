package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/kubeadapt/pve-agent/internal/action"
	"github.com/kubeadapt/pve-agent/internal/agent"
	"github.com/kubeadapt/pve-agent/internal/collector"
	"github.com/kubeadapt/pve-agent/internal/config"
	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/health"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/internal/session"
	"github.com/kubeadapt/pve-agent/internal/snapshot"
	"github.com/kubeadapt/pve-agent/internal/store"
	"github.com/kubeadapt/pve-agent/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("pve-agent failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "pve-agent",
	Short:         "Poll a Proxmox VE cluster and serve its state",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Default to run when no subcommand is provided
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the poll loop and the health server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides PVE_CONFIG_FILE)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(actionCmd)
}

// loadConfig loads and validates the configuration and installs the
// default logger it describes.
func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		if err := os.Setenv("PVE_CONFIG_FILE", cfgFile); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if cfg.AgentVersion == "dev" {
		cfg.AgentVersion = version
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newAPIClient builds the session manager and the transport that share one
// HTTP client.
func newAPIClient(cfg *config.Config, metrics *observability.Metrics, errCollector *agenterrors.ErrorCollector) *transport.Client {
	httpClient := transport.NewHTTPClient(cfg)
	sessions := session.NewManager(session.Options{
		BaseURL:    cfg.BaseURL(),
		HTTPClient: httpClient,
		Credentials: session.Credentials{
			Username:   cfg.Username,
			Password:   cfg.Password,
			TokenName:  cfg.TokenName,
			TokenValue: cfg.TokenValue,
		},
		Lifetime: cfg.TicketLifetime,
		Metrics:  metrics,
	})
	return transport.NewClient(cfg, httpClient, sessions, metrics, errCollector)
}

func runAgent(parent context.Context) error {
	// 1. Load and validate config.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 2. Create context with signal handling.
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("pve-agent starting",
		"version", cfg.AgentVersion,
		"cluster_id", cfg.ClusterID,
		"api", cfg.BaseURL(),
		"auth", authMode(cfg),
		"poll_interval", cfg.PollInterval,
	)

	// 3. Create shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := agenterrors.NewErrorCollector(agenterrors.RealClock{})
	hosts := store.NewHostRegistry(agenterrors.RealClock{})
	sm := agent.NewStateMachine(agenterrors.RealClock{}, metrics)

	// 4. Build the API client.
	client := newAPIClient(&cfg, metrics, errCollector)

	// 5. Build the fetch, build and action stages.
	orchestrator := collector.NewOrchestrator(client, cfg.MaxConcurrency, agenterrors.RealClock{}, metrics)
	builder := snapshot.NewBuilder(cfg.ClusterID, cfg.ClusterName, metrics)
	dispatcher := action.NewDispatcher(client, metrics, errCollector)

	// 6. Create the poll coordinator.
	coordinator := agent.NewCoordinator(orchestrator, builder, hosts, dispatcher, sm, agent.Options{
		Interval:       cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		StaleTolerance: cfg.StaleTolerance,
		Clock:          agenterrors.RealClock{},
		Metrics:        metrics,
		ErrorCollector: errCollector,
	})

	// 7. Start health server.
	healthSrv := health.NewServer(cfg.HealthPort, metrics, coordinator, hosts, errCollector, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	slog.Info("health server listening", "addr", healthSrv.Addr(), "debug", cfg.DebugEndpoints)

	// 8. Run the poll loop (blocks until the context is canceled).
	if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("poll loop exited with error", "error", err)
	}

	// 9. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	slog.Info("pve-agent stopped")
	return nil
}

func authMode(cfg config.Config) string {
	if cfg.UsesToken() {
		return "token"
	}
	return "ticket"
}
