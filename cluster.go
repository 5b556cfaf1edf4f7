package commitd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/ledger"
	"pkt.systems/commitd/internal/participant"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/commitd/internal/txncoord"
	"pkt.systems/commitd/internal/txnlog"
	"pkt.systems/pslog"
)

// CoordinatorName is the log directory of the coordinator under Config.LogDir.
const CoordinatorName = "coordinator"

// LedgerFileName is the SQLite ledger file inside a participant directory.
const LedgerFileName = "ledger.db"

// ErrUnknownParticipant reports a participant name the cluster does not host.
var ErrUnknownParticipant = errors.New("commitd: unknown participant")

// Startup describes the recovery pass performed while a cluster was opened.
type Startup struct {
	Coordinator  txncoord.Recovery
	Participants map[string]participant.RecoveryReport
}

// Cluster hosts one coordinator and a fixed set of participants in process,
// each with its own log and ledger.
type Cluster struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	coord        *txncoord.Coordinator
	participants map[string]*participant.Participant
	names        []string
	closers      []io.Closer
	startup      Startup

	mu      sync.Mutex
	crashes map[string]map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewCluster opens the logs and ledgers of a coordinator and one participant
// per key of balances, rebuilds every actor from its log and finishes any
// transaction a previous process left open. balances holds the opening
// account balances; with a persistent ledger they only seed missing accounts.
func NewCluster(ctx context.Context, cfg Config, balances map[string]map[string]int64, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return nil, errors.New("commitd: at least one participant required")
	}
	o := applyOptions(opts)
	c := &Cluster{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(o.Logger, "cluster"),
		clock:        o.Clock,
		participants: make(map[string]*participant.Participant, len(balances)),
		crashes:      make(map[string]map[string]struct{}),
	}
	for name := range balances {
		if err := validateParticipantName(name); err != nil {
			return nil, err
		}
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)

	dir := make(txncoord.StaticDirectory, len(c.names))
	for _, name := range c.names {
		p, err := c.openParticipant(ctx, name, balances[name], o)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.participants[name] = p
		dir[name] = p
	}

	coordLog, err := c.openLog(CoordinatorName, o)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	coord, err := txncoord.New(ctx, txncoord.Config{
		Log:                 coordLog,
		Directory:           dir,
		Logger:              o.Logger,
		Clock:               o.Clock,
		PrepareTimeout:      cfg.PrepareTimeout,
		DeliveryMaxAttempts: cfg.DeliveryAttempts,
		DeliveryBaseDelay:   cfg.DeliveryBaseDelay,
		DeliveryMaxDelay:    cfg.DeliveryMaxDelay,
		DeliveryMultiplier:  cfg.DeliveryMultiplier,
		DisableMetrics:      o.DisableMetrics,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.coord = coord
	for _, p := range c.participants {
		p.SetDecisionSource(coord)
	}

	if err := c.recoverOnStart(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info("cluster.started",
		"participants", c.names,
		"log_dir", cfg.LogDir,
		"ledger", cfg.Ledger,
	)
	return c, nil
}

func validateParticipantName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("commitd: participant name required")
	case name == CoordinatorName:
		return fmt.Errorf("commitd: participant name %q is reserved", name)
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return fmt.Errorf("commitd: invalid participant name %q", name)
	}
	return nil
}

func (c *Cluster) openLog(actor string, o options) (txnlog.Log, error) {
	if c.cfg.LogDir == "" {
		l := txnlog.NewMemory(o.Clock)
		c.closers = append(c.closers, l)
		return l, nil
	}
	l, err := txnlog.Open(c.cfg.ActorDir(actor), txnlog.Options{
		Clock:       o.Clock,
		Logger:      o.Logger,
		SegmentSize: c.cfg.SegmentBytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("commitd: open %s log: %w", actor, err)
	}
	c.closers = append(c.closers, l)
	return l, nil
}

func (c *Cluster) openLedger(ctx context.Context, name string, opening map[string]int64, records []txnlog.Record) (ledger.Ledger, error) {
	var l ledger.Ledger
	switch c.cfg.Ledger {
	case LedgerSQLite:
		s, err := ledger.OpenSQLite(ctx, filepath.Join(c.cfg.ActorDir(name), LedgerFileName))
		if err != nil {
			return nil, fmt.Errorf("commitd: open %s ledger: %w", name, err)
		}
		c.closers = append(c.closers, s)
		if err := s.Seed(ctx, opening); err != nil {
			return nil, fmt.Errorf("commitd: seed %s ledger: %w", name, err)
		}
		l = s
	default:
		m := ledger.NewMemory(opening)
		c.closers = append(c.closers, m)
		l = m
	}
	applied, err := participant.Rebuild(ctx, records, l)
	if err != nil {
		return nil, err
	}
	if applied > 0 {
		c.logger.Info("cluster.ledger.rebuilt", "participant", name, "applied", applied)
	}
	return l, nil
}

func (c *Cluster) openParticipant(ctx context.Context, name string, opening map[string]int64, o options) (*participant.Participant, error) {
	log, err := c.openLog(name, o)
	if err != nil {
		return nil, err
	}
	records, err := log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("commitd: load %s log: %w", name, err)
	}
	l, err := c.openLedger(ctx, name, opening, records)
	if err != nil {
		return nil, err
	}
	return participant.New(ctx, participant.Config{
		Name:           name,
		Log:            log,
		Ledger:         l,
		Logger:         o.Logger,
		Clock:          o.Clock,
		PrepareHook:    c.prepareHook,
		DisableMetrics: o.DisableMetrics,
	})
}

func (c *Cluster) recoverOnStart(ctx context.Context) error {
	rec, err := c.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("commitd: coordinator recovery: %w", err)
	}
	c.startup.Coordinator = rec
	c.startup.Participants = make(map[string]participant.RecoveryReport, len(c.names))
	for _, name := range c.names {
		report, err := c.participants[name].Recover(ctx)
		if err != nil {
			return fmt.Errorf("commitd: recover %s: %w", name, err)
		}
		c.startup.Participants[name] = report
	}
	if len(rec.Aborted)+len(rec.Redelivered) > 0 {
		c.logger.Info("cluster.recovery.coordinator",
			"aborted", rec.Aborted,
			"redelivered", rec.Redelivered,
			"undelivered", len(rec.Undelivered),
		)
	}
	return nil
}

// prepareHook crashes participants registered with CrashAfterPrepare once
// they have voted on that transaction.
func (c *Cluster) prepareHook(ctx context.Context, p *participant.Participant, req api.PrepareRequest, vote api.Vote) error {
	c.mu.Lock()
	set := c.crashes[req.TxID]
	_, hit := set[p.Name()]
	if hit {
		delete(set, p.Name())
		if len(set) == 0 {
			delete(c.crashes, req.TxID)
		}
	}
	c.mu.Unlock()
	if hit {
		p.Crash()
		c.logger.Warn("cluster.fault.crash_after_prepare", "txid", req.TxID, "participant", p.Name(), "vote", vote)
	}
	return nil
}

// Config returns the validated configuration.
func (c *Cluster) Config() Config { return c.cfg }

// Coordinator returns the cluster coordinator.
func (c *Cluster) Coordinator() *txncoord.Coordinator { return c.coord }

// Participants returns the participant names in sorted order.
func (c *Cluster) Participants() []string {
	return append([]string(nil), c.names...)
}

// Participant returns the named participant.
func (c *Cluster) Participant(name string) (*participant.Participant, bool) {
	p, ok := c.participants[name]
	return p, ok
}

// Startup returns what recovery did while the cluster was opened.
func (c *Cluster) Startup() Startup { return c.startup }

// Run executes one transaction through the coordinator.
func (c *Cluster) Run(ctx context.Context, id string, plan api.Plan, timeout time.Duration) (*txncoord.Outcome, error) {
	return c.coord.Run(ctx, id, plan, timeout)
}

// CrashAfterPrepare arranges for the named participants to crash right after
// they vote on txid.
func (c *Cluster) CrashAfterPrepare(txid string, names ...string) error {
	for _, name := range names {
		if _, ok := c.participants[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.crashes[txid]
	if set == nil {
		set = make(map[string]struct{}, len(names))
		c.crashes[txid] = set
	}
	for _, name := range names {
		set[name] = struct{}{}
	}
	return nil
}

// Crash makes the named participant unreachable.
func (c *Cluster) Crash(name string) error {
	p, ok := c.participants[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
	}
	p.Crash()
	return nil
}

// Recover brings the named participant back and resolves its in-doubt
// transactions, polling the coordinator for up to RecoveryMaxWait when a
// decision is not available yet.
func (c *Cluster) Recover(ctx context.Context, name string) (participant.RecoveryReport, error) {
	p, ok := c.participants[name]
	if !ok {
		return participant.RecoveryReport{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
	}
	report, err := p.Recover(ctx)
	if err != nil || report.Resolved() {
		return report, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.RecoveryMaxWait)
	defer cancel()
	return p.ResolveBlocked(waitCtx, c.cfg.retryPolicy())
}

// Balances returns a snapshot of every participant ledger.
func (c *Cluster) Balances(ctx context.Context) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, len(c.names))
	for _, name := range c.names {
		snap, err := c.participants[name].Balances(ctx)
		if err != nil {
			return nil, fmt.Errorf("commitd: %s balances: %w", name, err)
		}
		out[name] = snap
	}
	return out, nil
}

// Close releases every log and ledger.
func (c *Cluster) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		if c.closeErr != nil {
			c.logger.Warn("cluster.close.failed", "error", c.closeErr)
		}
	})
	return c.closeErr
}
