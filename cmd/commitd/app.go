package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/commitd"
	"pkt.systems/commitd/internal/pathutil"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("COMMITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "commitd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := commitd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, commitd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.ExpandAbs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

var configKeys = []string{
	"config",
	"log-dir", "log-segment-size", "ledger",
	"prepare-timeout",
	"delivery-attempts", "delivery-base-delay", "delivery-max-delay", "delivery-multiplier",
	"recovery-max-wait",
	"metrics-listen", "otlp-endpoint", "runtime-metrics",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "commitd",
		Short:         "commitd drives participants to a uniform commit or abort decision with a durable two-phase commit log",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run the built-in scenarios with in-memory logs
  commitd demo all

  # Crash-and-recover scenario with durable logs and SQLite ledgers
  commitd demo C --log-dir /var/lib/commitd --ledger sqlite

  # Execute a scenario file
  commitd run --plan transfer.yaml

  # Inspect the coordinator log of a run
  commitd log dump /var/lib/commitd/c-<run>/coordinator
`,
	}

	defaults := commitd.DefaultConfig()
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.commitd/"+commitd.DefaultConfigFileName+")")
	persistentFlags.String("log-dir", "", "root directory for actor logs (empty keeps logs in memory)")
	persistentFlags.String("log-segment-size", humanizeBytes(defaults.SegmentBytes()), "log segment size before rotation")
	persistentFlags.String("ledger", commitd.LedgerMemory, fmt.Sprintf("participant ledger (%s or %s; %s requires --log-dir)", commitd.LedgerMemory, commitd.LedgerSQLite, commitd.LedgerSQLite))
	persistentFlags.Duration("prepare-timeout", commitd.DefaultPrepareTimeout, "deadline for the prepare round")
	persistentFlags.Int("delivery-attempts", commitd.DefaultDeliveryAttempts, "attempts to deliver a decision to each participant")
	persistentFlags.Duration("delivery-base-delay", commitd.DefaultDeliveryBaseDelay, "base backoff delay between delivery attempts")
	persistentFlags.Duration("delivery-max-delay", commitd.DefaultDeliveryMaxDelay, "maximum backoff delay between delivery attempts")
	persistentFlags.Float64("delivery-multiplier", commitd.DefaultDeliveryMultiplier, "backoff multiplier between delivery attempts")
	persistentFlags.Duration("recovery-max-wait", commitd.DefaultRecoveryMaxWait, "how long a recovering participant polls for unknown decisions")
	persistentFlags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	persistentFlags.String("log-level", commitd.DefaultLogLevel, "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("COMMITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range configKeys {
		flag := persistentFlags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newRunCommand(baseLogger))
	cmd.AddCommand(newDemoCommand(baseLogger))
	cmd.AddCommand(newLogCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *commitd.Config) {
	cfg.LogDir = viper.GetString("log-dir")
	cfg.SegmentSize = viper.GetString("log-segment-size")
	cfg.Ledger = viper.GetString("ledger")
	cfg.PrepareTimeout = viper.GetDuration("prepare-timeout")
	cfg.DeliveryAttempts = viper.GetInt("delivery-attempts")
	cfg.DeliveryBaseDelay = viper.GetDuration("delivery-base-delay")
	cfg.DeliveryMaxDelay = viper.GetDuration("delivery-max-delay")
	cfg.DeliveryMultiplier = viper.GetFloat64("delivery-multiplier")
	cfg.RecoveryMaxWait = viper.GetDuration("recovery-max-wait")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.LogLevel = viper.GetString("log-level")
}

// loadConfig resolves the effective configuration from flags, environment
// and the optional config file.
func loadConfig(logger pslog.Logger) (commitd.Config, error) {
	var cfg commitd.Config
	configFile, err := loadConfigFile()
	if err != nil {
		return cfg, err
	}
	bindConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if configFile != "" && logger != nil {
		svcfields.WithSubsystem(logger, "cli.config").Info("loaded config file", "path", configFile)
	}
	return cfg, nil
}

func leveledLogger(base pslog.Logger, levelName string) pslog.Logger {
	if level, ok := pslog.ParseLevel(levelName); ok {
		return base.LogLevel(level)
	}
	return base
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
