package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shellgate/shellgate/internal/api"
	"github.com/shellgate/shellgate/internal/audit"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/gateway"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/sshpool"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const defaultConfigPath = "/etc/shellgate/config.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "shellgate",
	Short:   "Shellgate - policy-enforcing command execution gateway",
	Long:    `Shellgate validates every command against configurable blocklists, operator rules and a working-directory allow-list before executing it locally or over pooled SSH connections.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shellgate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		snap := cfg.Snapshot()
		fmt.Printf("Configuration OK: %d shell(s), %d ssh connection(s)\n",
			len(cfg.Shells), len(cfg.SSH.Connections))
		for _, root := range snap.Security.AllowedPaths {
			fmt.Printf("  allowed path: %s\n", root)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: /etc/shellgate/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath applies flag > env > default priority.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv("SHELLGATE_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		log.Warn().Str("level", levelStr).Msg("Unknown log level, defaulting to info")
		return zerolog.InfoLevel
	}
}

func runServe() {
	// Initialize logger with default level (reconfigured after loading config)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgPath := resolveConfigPath()
	store, err := config.NewStore(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", cfgPath).Msg("Failed to load configuration")
	}
	cfg := store.Runtime().Config

	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	var auditLogger *audit.Logger
	if cfg.AuditLog != "" {
		auditLogger, err = audit.NewLogger(cfg.AuditLog)
		if err != nil {
			log.Fatal().Err(err).Str("audit_log", cfg.AuditLog).Msg("Failed to open audit log")
		}
		defer auditLogger.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gatewayMetrics := metrics.New(registry)

	pool := sshpool.New(
		sshpool.WithMaxSessions(cfg.SSH.MaxSessions),
		sshpool.WithReconnectHook(gatewayMetrics.RecordSSHReconnect),
	)
	gw := gateway.New(store,
		gateway.WithPool(pool),
		gateway.WithMetrics(gatewayMetrics),
		gateway.WithAudit(auditLogger),
	)

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("config_path", cfgPath).
		Str("audit_log", cfg.AuditLog).
		Str("log_level", cfg.LogLevel).
		Int("shells", len(cfg.Shells)).
		Int("ssh_connections", len(cfg.SSH.Connections)).
		Str("version", Version).
		Msg("Starting shellgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watch the config file so policy changes apply without restart.
	go func() {
		if err := store.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("Config watcher stopped")
		}
	}()

	server := api.NewServer(gw, store, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), Version)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info().Msg("Shutting down shellgate...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	gw.Close()
	log.Info().Msg("Shellgate stopped")
}
