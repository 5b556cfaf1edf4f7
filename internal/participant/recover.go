package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/commitd/api"
)

// RecoveryReport lists what one recovery pass did with the READY
// transactions found in the log.
type RecoveryReport struct {
	Committed []string
	Aborted   []string
	Blocked   []string
}

// Resolved reports whether no transaction is left blocked.
func (r RecoveryReport) Resolved() bool { return len(r.Blocked) == 0 }

// RetryPolicy paces ResolveBlocked.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy is used for zero-valued policy fields.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 2,
}

// Recover makes the participant reachable again and, when it was crashed,
// rebuilds its transaction table from the log. It then asks the decision
// source about every READY transaction. Transactions whose decision is
// unknown, or whose lookup fails, stay READY and are listed as blocked; that
// is a status, not an error.
func (p *Participant) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	ready := p.Ready()
	if p.down.Load() {
		replayed, err := p.reload(ctx)
		if err != nil {
			return report, err
		}
		ready = replayed.Ready()
		p.down.Store(false)
		p.logger.Info("participant.recover.started", "ready", len(ready))
	}
	p.mu.Lock()
	src := p.decisions
	p.mu.Unlock()

	for _, txid := range ready {
		decision := api.DecisionUnknown
		var lookupErr error
		if src != nil {
			decision, lookupErr = src.GetDecision(ctx, txid)
		}
		if lookupErr != nil || !decision.Final() {
			report.Blocked = append(report.Blocked, txid)
			p.logger.Warn("participant.recover.blocked", "txid", txid, "decision", decision, "error", lookupErr)
			p.metrics.recordBlocked(ctx, p.name)
			continue
		}
		var err error
		unlock := p.lockTx(txid)
		if decision == api.DecisionCommit {
			err = p.commitLocked(ctx, txid)
		} else {
			err = p.abortLocked(ctx, txid)
		}
		unlock()
		if err != nil {
			return report, fmt.Errorf("participant: resolve %s: %w", txid, err)
		}
		if decision == api.DecisionCommit {
			report.Committed = append(report.Committed, txid)
		} else {
			report.Aborted = append(report.Aborted, txid)
		}
		p.logger.Info("participant.recover.resolved", "txid", txid, "decision", decision)
	}
	p.logger.Info("participant.recover.complete",
		"committed", len(report.Committed),
		"aborted", len(report.Aborted),
		"blocked", len(report.Blocked),
	)
	return report, nil
}

// ResolveBlocked repeats Recover with exponential backoff until no
// transaction is blocked. When ctx ends first it returns the last report and
// an error wrapping ErrUnresolvedBlocking.
func (p *Participant) ResolveBlocked(ctx context.Context, policy RetryPolicy) (RecoveryReport, error) {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = DefaultRetryPolicy.Multiplier
	}
	delay := policy.BaseDelay
	var total RecoveryReport
	for attempt := 1; ; attempt++ {
		report, err := p.Recover(ctx)
		total.Committed = append(total.Committed, report.Committed...)
		total.Aborted = append(total.Aborted, report.Aborted...)
		total.Blocked = report.Blocked
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return total, err
		}
		if err == nil && report.Resolved() {
			return total, nil
		}
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		p.logger.Debug("participant.recover.retry", "attempt", attempt, "blocked", len(total.Blocked), "delay", delay)
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("%w: %d txns after %d attempts: %v", ErrUnresolvedBlocking, len(total.Blocked), attempt, ctx.Err())
		case <-p.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
	}
}
