package commitd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/commitd/internal/participant"
	"pkt.systems/commitd/internal/pathutil"
	"pkt.systems/commitd/internal/txncoord"
	"pkt.systems/commitd/internal/txnlog"
)

const (
	// LedgerMemory keeps balances in process memory, rebuilt from the
	// participant log on start.
	LedgerMemory = "mem"
	// LedgerSQLite keeps balances in <log-dir>/<participant>/ledger.db.
	LedgerSQLite = "sqlite"
)

const (
	// DefaultSegmentSize is the log segment rotation threshold.
	DefaultSegmentSize = "64MiB"
	// DefaultPrepareTimeout bounds the prepare round.
	DefaultPrepareTimeout = txncoord.DefaultPrepareTimeout
	// DefaultDeliveryAttempts is how often a decision is offered to a participant.
	DefaultDeliveryAttempts = 3
	// DefaultDeliveryBaseDelay is the first retry delay of decision delivery.
	DefaultDeliveryBaseDelay = 50 * time.Millisecond
	// DefaultDeliveryMaxDelay caps the decision delivery backoff.
	DefaultDeliveryMaxDelay = time.Second
	// DefaultDeliveryMultiplier grows the delivery backoff.
	DefaultDeliveryMultiplier = 2.0
	// DefaultRecoveryMaxWait bounds how long a recovering participant polls
	// for decisions of blocked transactions.
	DefaultRecoveryMaxWait = 5 * time.Second
	// DefaultLogLevel is the structured log level of the CLI.
	DefaultLogLevel = "info"
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of a commitd cluster.
type Config struct {
	// LogDir holds one log directory per actor. Empty keeps logs in memory.
	LogDir string `yaml:"log-dir"`
	// SegmentSize is a human readable byte size such as "64MiB".
	SegmentSize string `yaml:"log-segment-size"`
	Ledger      string `yaml:"ledger"`

	PrepareTimeout time.Duration `yaml:"prepare-timeout"`

	DeliveryAttempts   int           `yaml:"delivery-attempts"`
	DeliveryBaseDelay  time.Duration `yaml:"delivery-base-delay"`
	DeliveryMaxDelay   time.Duration `yaml:"delivery-max-delay"`
	DeliveryMultiplier float64       `yaml:"delivery-multiplier"`

	RecoveryMaxWait time.Duration `yaml:"recovery-max-wait"`

	MetricsListen  string `yaml:"metrics-listen,omitempty"`
	OTLPEndpoint   string `yaml:"otlp-endpoint,omitempty"`
	RuntimeMetrics bool   `yaml:"runtime-metrics,omitempty"`
	LogLevel       string `yaml:"log-level"`

	segmentBytes int64
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	logDir, err := pathutil.Expand(c.LogDir)
	if err != nil {
		return fmt.Errorf("config: log dir: %w", err)
	}
	c.LogDir = logDir
	if c.LogDir != "" {
		c.LogDir = filepath.Clean(c.LogDir)
	}
	if strings.TrimSpace(c.SegmentSize) == "" {
		c.SegmentSize = DefaultSegmentSize
	}
	size, err := humanize.ParseBytes(c.SegmentSize)
	if err != nil {
		return fmt.Errorf("config: log segment size: %w", err)
	}
	if size < 4096 {
		return fmt.Errorf("config: log segment size must be at least 4KiB, got %s", c.SegmentSize)
	}
	c.segmentBytes = int64(size)

	c.Ledger = strings.ToLower(strings.TrimSpace(c.Ledger))
	if c.Ledger == "" {
		c.Ledger = LedgerMemory
	}
	switch c.Ledger {
	case LedgerMemory:
	case LedgerSQLite:
		if c.LogDir == "" {
			return fmt.Errorf("config: ledger %q requires log-dir", LedgerSQLite)
		}
	default:
		return fmt.Errorf("config: ledger must be %q or %q", LedgerMemory, LedgerSQLite)
	}

	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = DefaultPrepareTimeout
	} else if c.PrepareTimeout < 0 {
		return fmt.Errorf("config: prepare timeout must be > 0")
	}
	if c.DeliveryAttempts == 0 {
		c.DeliveryAttempts = DefaultDeliveryAttempts
	} else if c.DeliveryAttempts < 0 {
		return fmt.Errorf("config: delivery attempts must be >= 1")
	}
	if c.DeliveryBaseDelay <= 0 {
		c.DeliveryBaseDelay = DefaultDeliveryBaseDelay
	}
	if c.DeliveryMaxDelay <= 0 {
		c.DeliveryMaxDelay = DefaultDeliveryMaxDelay
	}
	if c.DeliveryMaxDelay < c.DeliveryBaseDelay {
		return fmt.Errorf("config: delivery max delay %s below base delay %s", c.DeliveryMaxDelay, c.DeliveryBaseDelay)
	}
	if c.DeliveryMultiplier == 0 {
		c.DeliveryMultiplier = DefaultDeliveryMultiplier
	} else if c.DeliveryMultiplier < 1 {
		return fmt.Errorf("config: delivery multiplier must be >= 1")
	}
	if c.RecoveryMaxWait == 0 {
		c.RecoveryMaxWait = DefaultRecoveryMaxWait
	} else if c.RecoveryMaxWait < 0 {
		return fmt.Errorf("config: recovery max wait must be > 0")
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	return nil
}

// SegmentBytes returns the parsed segment size; valid after Validate.
func (c Config) SegmentBytes() int64 {
	if c.segmentBytes > 0 {
		return c.segmentBytes
	}
	return txnlog.DefaultSegmentSize
}

// ActorDir returns the log directory of one actor.
func (c Config) ActorDir(actor string) string {
	if c.LogDir == "" {
		return ""
	}
	return filepath.Join(c.LogDir, actor)
}

func (c Config) retryPolicy() participant.RetryPolicy {
	return participant.RetryPolicy{
		BaseDelay:  c.DeliveryBaseDelay,
		MaxDelay:   c.DeliveryMaxDelay,
		Multiplier: c.DeliveryMultiplier,
	}
}

// DefaultConfigDir returns $COMMITD_CONFIG_DIR or $HOME/.commitd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("COMMITD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".commitd"), nil
}
