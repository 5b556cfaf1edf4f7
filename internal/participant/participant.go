// Package participant implements the resource-manager side of the commit
// protocol. A participant votes on prepare requests against its ledger,
// records every promise in its own log before answering, and applies or
// discards the prepared payload once the coordinator's decision arrives. After
// a crash the log alone rebuilds its transaction table; transactions left
// READY are resolved by asking a DecisionSource.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/ledger"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/commitd/internal/txnlog"
	"pkt.systems/pslog"
)

var (
	// ErrPayloadConflict reports a second prepare for a READY txid with a
	// different payload.
	ErrPayloadConflict = errors.New("participant: prepare payload conflicts with prepared payload")
	// ErrStateConflict reports a decision that contradicts the terminal state
	// already recorded for a txid.
	ErrStateConflict = errors.New("participant: decision conflicts with recorded outcome")
	// ErrUnresolvedBlocking reports READY transactions whose decision could
	// not be learned before the context ended.
	ErrUnresolvedBlocking = errors.New("participant: blocked transactions unresolved")
)

// DecisionSource answers decision queries for in-doubt transactions. The
// coordinator implements it.
type DecisionSource interface {
	GetDecision(ctx context.Context, txid string) (api.Decision, error)
}

// PrepareHook runs once a vote is settled and, for a YES vote, after the
// PREPARED record is durable. A returned error replaces the reply.
type PrepareHook func(ctx context.Context, p *Participant, req api.PrepareRequest, vote api.Vote) error

// Config configures a Participant.
type Config struct {
	Name        string
	Log         txnlog.Log
	Ledger      ledger.Ledger
	Decisions   DecisionSource
	Logger      pslog.Logger
	Clock       clock.Clock
	PrepareHook PrepareHook
	// DisableMetrics skips otel instrument registration.
	DisableMetrics bool
}

// VoteRejectedError explains a NO vote: the debit would overdraw an account
// once debits already promised to READY transactions are counted.
type VoteRejectedError struct {
	Account  string
	Balance  int64
	Delta    int64
	Reserved int64
}

func (e *VoteRejectedError) Error() string {
	if e == nil {
		return "participant: vote rejected"
	}
	return fmt.Sprintf("participant: insufficient funds on %s: balance %d, delta %d, reserved %d",
		e.Account, e.Balance, e.Delta, e.Reserved)
}

type txn struct {
	state    api.TxState
	vote     api.Vote
	payload  api.Payload
	reserved bool
}

type txLock struct {
	mu   sync.Mutex
	refs int
}

// Participant is one resource manager.
type Participant struct {
	name      string
	log       txnlog.Log
	ledger    ledger.Ledger
	decisions DecisionSource
	logger    pslog.Logger
	clock     clock.Clock
	hook      PrepareHook
	metrics   *participantMetrics

	down atomic.Bool

	mu       sync.Mutex
	txns     map[string]*txn
	reserved map[string]int64
	locks    map[string]*txLock

	// fundsMu orders feasibility checks against ledger applies so a check
	// never reads a balance and a reservation total from different moments.
	fundsMu sync.Mutex
}

// New builds a participant and rebuilds its transaction table from the log.
func New(ctx context.Context, cfg Config) (*Participant, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("participant: name required")
	}
	if cfg.Log == nil {
		return nil, errors.New("participant: log required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("participant: ledger required")
	}
	logger := svcfields.WithActor(cfg.Logger, "txn.participant", name)
	p := &Participant{
		name:      name,
		log:       cfg.Log,
		ledger:    cfg.Ledger,
		decisions: cfg.Decisions,
		logger:    logger,
		clock:     clock.Ensure(cfg.Clock),
		hook:      cfg.PrepareHook,
		locks:     make(map[string]*txLock),
	}
	if !cfg.DisableMetrics {
		p.metrics = newParticipantMetrics(logger)
	}
	if _, err := p.reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the participant name.
func (p *Participant) Name() string { return p.name }

// Ledger returns the ledger the participant applies committed payloads to.
func (p *Participant) Ledger() ledger.Ledger { return p.ledger }

// SetDecisionSource replaces the source consulted during recovery.
func (p *Participant) SetDecisionSource(src DecisionSource) {
	p.mu.Lock()
	p.decisions = src
	p.mu.Unlock()
}

// State returns the local state of txid; unknown txids are INIT.
func (p *Participant) State(txid string) api.TxState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.txns[txid]; ok {
		return t.state
	}
	return api.TxStateInit
}

// Pending returns the payload held for a READY txid.
func (p *Participant) Pending(txid string) (api.Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.txns[txid]
	if !ok || t.state != api.TxStateReady {
		return nil, false
	}
	return t.payload.Clone(), true
}

// Ready lists the txids currently READY.
func (p *Participant) Ready() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, t := range p.txns {
		if t.state == api.TxStateReady {
			out = append(out, id)
		}
	}
	return sortedStrings(out)
}

// Reserved returns the debit held by READY transactions on account.
func (p *Participant) Reserved(account string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved[account]
}

// Balances returns a snapshot of the ledger.
func (p *Participant) Balances(ctx context.Context) (map[string]int64, error) {
	return p.ledger.Snapshot(ctx)
}

// Available reports whether the participant answers protocol messages.
func (p *Participant) Available() bool { return !p.down.Load() }

// Crash makes the participant unreachable. Its memory and log are kept; every
// protocol call fails with api.ErrUnavailable until Recover.
func (p *Participant) Crash() {
	if p.down.Swap(true) {
		return
	}
	p.logger.Warn("participant.crash")
	p.metrics.recordCrash(context.Background(), p.name)
}

func (p *Participant) lockTx(txid string) func() {
	p.mu.Lock()
	l, ok := p.locks[txid]
	if !ok {
		l = &txLock{}
		p.locks[txid] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, txid)
		}
		p.mu.Unlock()
	}
}

// reload replaces the transaction table with the state replayed from the log.
func (p *Participant) reload(ctx context.Context) (*Replayed, error) {
	records, err := p.log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("participant: load log: %w", err)
	}
	replayed := Replay(records)
	txns := make(map[string]*txn, len(replayed.Entries))
	reserved := make(map[string]int64)
	for id, entry := range replayed.Entries {
		t := &txn{state: entry.State, vote: entry.Vote, payload: entry.Payload.Clone()}
		if t.state == api.TxStateReady {
			t.reserved = true
			addReservation(reserved, t.payload, 1)
		}
		txns[id] = t
	}
	p.mu.Lock()
	p.txns = txns
	p.reserved = reserved
	p.mu.Unlock()
	p.logger.Debug("participant.log.replayed",
		"records", len(records),
		"txns", len(txns),
		"ready", len(replayed.Ready()),
	)
	return replayed, nil
}

func (p *Participant) transition(ctx context.Context, txid string, from, to api.TxState) {
	p.logger.Info("participant.state.transition", "txid", txid, "from", from, "to", to)
	p.metrics.recordTransition(ctx, p.name, to)
}

// addReservation adds (sign 1) or removes (sign -1) the debits of payload.
func addReservation(reserved map[string]int64, payload api.Payload, sign int64) {
	for account, delta := range payload {
		if delta >= 0 {
			continue
		}
		reserved[account] += sign * -delta
		if reserved[account] <= 0 {
			delete(reserved, account)
		}
	}
}

func (p *Participant) releaseLocked(t *txn) {
	if t == nil || !t.reserved {
		return
	}
	addReservation(p.reserved, t.payload, -1)
	t.reserved = false
}
