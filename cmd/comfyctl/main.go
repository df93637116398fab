package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"

	"github.com/lamim/comfyremote/internal/config"
	"github.com/lamim/comfyremote/internal/logging"
	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/internal/session"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	verbose     bool
	logFile     string
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "comfyctl",
		Short: "comfyctl - remote node-graph execution client",
		Long: `comfyctl submits workflow graphs to a remote ComfyUI-compatible server,
follows their execution over the event stream and retrieves the results.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to environment file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&logFile, "log-file", "", "Also write JSON logs to this file")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newInterruptCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newPingCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything a command needs once flags are parsed
type app struct {
	cfg      *config.Config
	secrets  *config.Secrets
	logger   *slog.Logger
	metrics  *metrics.Collector
	closeLog func() error
	server   *http.Server
}

// setup loads env, config and logging for cmd
func setup(cmd *cobra.Command) (*app, error) {
	if err := loadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
	}

	cfg, secrets, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	path := cfg.Logging.File
	if logFile != "" {
		path = logFile
	}
	logger, closeLog, err := logging.Setup(os.Stderr, path, level)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		secrets:  secrets,
		logger:   logger,
		metrics:  metrics.NewCollector(logger),
		closeLog: closeLog,
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		logger.Info("Serving metrics", "addr", metricsAddr)
	}

	return a, nil
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// newSession builds a client session wired to the app's logger and metrics
func (a *app) newSession(obs session.Observer) (*session.Session, error) {
	s, err := session.New(a.cfg, a.secrets,
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
		session.WithObserver(obs))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// loadEnvFile loads variables from path without overriding the environment.
// A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// loadConfig reads the config file. Without one the defaults for a local
// server are used, unless the path was given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, *config.Secrets, error) {
	if _, err := os.Stat(path); err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		secrets, err := config.LoadSecrets()
		if err != nil {
			return nil, nil, err
		}
		return config.Default(), secrets, nil
	}
	return config.Load(path)
}
