// Command conductor routes agent instructions and manages multi-agent workflows from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	internal "github.com/ZanzyTHEbar/agent-conductor/conductor"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/config"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration"
)

const Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, a := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	if cerr := a.teardown(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand.
type app struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
	watch       bool

	cfg       *config.Config
	logger    zerolog.Logger
	conductor *orchestration.Conductor
	metrics   *http.Server
}

// newRootCmd builds the command tree. The caller must call app.teardown once Execute returns.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	cmd := &cobra.Command{
		Use:   internal.DefaultAppName,
		Short: "Hybrid reasoning/tool router for coordinated agents",
		Long: `conductor routes agent instructions either straight to a tool, to the reasoning
service, or through a bounded reasoning/tool loop, while keeping every
conversation within its context budget and tracking workflow state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file path (YAML)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides logging.level")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format (console, json); overrides logging.format")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.BoolVar(&a.watch, "watch", false, "Reload the log level when the config file changes")

	cmd.AddCommand(
		newClassifyCmd(a),
		newRunCmd(a),
		newStatsCmd(a),
		newHistoryCmd(a),
		newWorkflowCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			// Skip conductor setup for version.
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", internal.DefaultAppName, Version)
			},
		},
	)
	return cmd, a
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Enabled = true
	}
	a.cfg = cfg

	a.logger, err = newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	if a.watch {
		if err := config.Watch(a.configPath, a.onConfigChange); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	a.conductor, err = orchestration.NewFactory(cfg, a.logger).Build(ctx)
	if err != nil {
		return fmt.Errorf("build conductor: %w", err)
	}

	if a.metricsAddr != "" {
		a.serveMetrics()
	}
	return nil
}

func (a *app) teardown() error {
	var errs []error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, a.metrics.Shutdown(ctx))
		a.metrics = nil
	}
	if a.conductor != nil {
		errs = append(errs, a.conductor.Close())
		a.conductor = nil
	}
	return errors.Join(errs...)
}

func (a *app) onConfigChange(cfg *config.Config, err error) {
	if err != nil {
		a.logger.Warn().Err(err).Msg("Ignoring config change")
		return
	}
	if a.logLevel != "" {
		return
	}
	lvl, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		a.logger.Warn().Str("level", cfg.Logging.Level).Msg("Ignoring invalid log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
	a.logger.Info().Str("level", lvl.String()).Msg("Log level reloaded")
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", a.metricsAddr).Msg("Metrics server failed")
		}
	}()
	a.logger.Info().Str("addr", a.metricsAddr).Msg("Serving metrics")
}

// warnEphemeral flags commands whose results are lost when the process exits.
func (a *app) warnEphemeral() {
	if a.cfg.Store.Backend == "" || a.cfg.Store.Backend == "memory" {
		a.logger.Warn().Msg("Using the in-memory store; state does not survive this command (set store.backend)")
	}
}

func newLogger(lc config.LoggingConfig, out io.Writer) (zerolog.Logger, error) {
	level := lc.Level
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	switch lc.Format {
	case "json":
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", lc.Format)
	}
	return zerolog.New(out).With().Timestamp().Logger(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
