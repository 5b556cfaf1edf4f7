package participant

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txnlog"
)

// OnCommit applies the prepared payload of msg.TxID to the ledger and records
// COMMIT. Repeated deliveries and commits for txids that hold no prepared
// payload are no-ops.
func (p *Participant) OnCommit(ctx context.Context, msg api.DecisionMessage) error {
	if !p.Available() {
		return api.ErrUnavailable
	}
	if msg.TxID == "" {
		return errors.New("participant: txid required")
	}
	unlock := p.lockTx(msg.TxID)
	defer unlock()
	return p.commitLocked(ctx, msg.TxID)
}

// OnAbort discards any prepared payload of msg.TxID and records ABORT.
// Repeated deliveries are no-ops.
func (p *Participant) OnAbort(ctx context.Context, msg api.DecisionMessage) error {
	if !p.Available() {
		return api.ErrUnavailable
	}
	if msg.TxID == "" {
		return errors.New("participant: txid required")
	}
	unlock := p.lockTx(msg.TxID)
	defer unlock()
	return p.abortLocked(ctx, msg.TxID)
}

// Deliver routes a decision message to OnCommit or OnAbort.
func (p *Participant) Deliver(ctx context.Context, msg api.DecisionMessage) error {
	switch msg.Kind {
	case api.DecisionCommit:
		return p.OnCommit(ctx, msg)
	case api.DecisionAbort:
		return p.OnAbort(ctx, msg)
	default:
		return fmt.Errorf("participant: cannot deliver decision %q", msg.Kind)
	}
}

func (p *Participant) commitLocked(ctx context.Context, txid string) error {
	p.mu.Lock()
	t := p.txns[txid]
	p.mu.Unlock()
	switch {
	case t == nil || t.state == api.TxStateInit:
		p.logger.Debug("participant.commit.no_pending", "txid", txid)
		return nil
	case t.state == api.TxStateCommitted:
		return nil
	case t.state == api.TxStateAborted:
		p.logger.Error("participant.commit.after_abort", "txid", txid)
		return fmt.Errorf("%w: commit for aborted txid %s", ErrStateConflict, txid)
	}

	p.fundsMu.Lock()
	applied, err := p.ledger.Apply(ctx, txid, t.payload)
	if err != nil {
		p.fundsMu.Unlock()
		return fmt.Errorf("participant: apply %s: %w", txid, err)
	}
	p.mu.Lock()
	p.releaseLocked(t)
	p.mu.Unlock()
	p.fundsMu.Unlock()
	if !applied {
		p.logger.Debug("participant.commit.already_applied", "txid", txid)
	}

	if _, err := p.log.Append(ctx, txnlog.Record{
		Event:       txnlog.EventCommit,
		TxID:        txid,
		Participant: p.name,
		Payload:     t.payload,
		Decision:    api.DecisionCommit,
	}); err != nil {
		return fmt.Errorf("participant: append commit: %w", err)
	}
	p.mu.Lock()
	t.state = api.TxStateCommitted
	p.mu.Unlock()
	p.transition(ctx, txid, api.TxStateReady, api.TxStateCommitted)
	return nil
}

func (p *Participant) abortLocked(ctx context.Context, txid string) error {
	p.mu.Lock()
	t := p.txns[txid]
	p.mu.Unlock()
	from := api.TxStateInit
	if t != nil {
		switch t.state {
		case api.TxStateAborted:
			return nil
		case api.TxStateCommitted:
			p.logger.Error("participant.abort.after_commit", "txid", txid)
			return fmt.Errorf("%w: abort for committed txid %s", ErrStateConflict, txid)
		}
		from = t.state
	}

	if _, err := p.log.Append(ctx, txnlog.Record{
		Event:       txnlog.EventAbort,
		TxID:        txid,
		Participant: p.name,
		Decision:    api.DecisionAbort,
	}); err != nil {
		return fmt.Errorf("participant: append abort: %w", err)
	}
	p.mu.Lock()
	if t == nil {
		t = &txn{vote: api.VoteNo}
		p.txns[txid] = t
	}
	p.releaseLocked(t)
	t.state = api.TxStateAborted
	t.payload = nil
	p.mu.Unlock()
	p.transition(ctx, txid, from, api.TxStateAborted)
	return nil
}
