package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txnlog"
)

// OnPrepare votes on req. A YES vote is returned only after the PREPARED
// record holding the payload is durable in the participant log. An
// infeasible payload yields NO with the rejection as reason and leaves no
// trace in the log.
func (p *Participant) OnPrepare(ctx context.Context, req api.PrepareRequest) (api.PrepareResponse, error) {
	if !p.Available() {
		return api.PrepareResponse{}, api.ErrUnavailable
	}
	if req.TxID == "" {
		return api.PrepareResponse{}, errors.New("participant: txid required")
	}
	start := time.Now()
	unlock := p.lockTx(req.TxID)
	resp, err := p.prepareLocked(ctx, req)
	unlock()
	if err != nil {
		p.logger.Warn("participant.prepare.failed", "txid", req.TxID, "error", err)
		p.metrics.recordVote(ctx, p.name, "error", time.Since(start))
		return api.PrepareResponse{}, err
	}
	p.logger.Info("participant.prepare.vote",
		"txid", req.TxID,
		"vote", resp.Vote,
		"payload", req.Payload.String(),
		"reason", resp.Reason,
	)
	p.metrics.recordVote(ctx, p.name, string(resp.Vote), time.Since(start))
	if p.hook != nil {
		if err := p.hook(ctx, p, req, resp.Vote); err != nil {
			return api.PrepareResponse{}, fmt.Errorf("participant: prepare hook: %w", err)
		}
	}
	return resp, nil
}

func (p *Participant) prepareLocked(ctx context.Context, req api.PrepareRequest) (api.PrepareResponse, error) {
	p.mu.Lock()
	existing := p.txns[req.TxID]
	p.mu.Unlock()
	if existing != nil {
		switch existing.state {
		case api.TxStateReady:
			if !existing.payload.Equal(req.Payload) {
				return api.PrepareResponse{}, fmt.Errorf("%w: txid %s", ErrPayloadConflict, req.TxID)
			}
			return api.PrepareResponse{TxID: req.TxID, Vote: api.VoteYes}, nil
		case api.TxStateCommitted, api.TxStateAborted:
			vote := existing.vote
			if vote == "" {
				vote = api.VoteNo
			}
			return api.PrepareResponse{TxID: req.TxID, Vote: vote}, nil
		}
	}

	t, err := p.reserve(ctx, req)
	if err != nil {
		var rejected *VoteRejectedError
		if errors.As(err, &rejected) {
			return api.PrepareResponse{TxID: req.TxID, Vote: api.VoteNo, Reason: rejected.Error()}, nil
		}
		return api.PrepareResponse{}, err
	}

	_, err = p.log.Append(ctx, txnlog.Record{
		Event:       txnlog.EventPrepared,
		TxID:        req.TxID,
		Participant: p.name,
		Payload:     req.Payload,
		Vote:        api.VoteYes,
	})
	p.mu.Lock()
	if err != nil {
		p.releaseLocked(t)
		if p.txns[req.TxID] == t {
			delete(p.txns, req.TxID)
		}
		p.mu.Unlock()
		return api.PrepareResponse{}, fmt.Errorf("participant: append prepared: %w", err)
	}
	t.state = api.TxStateReady
	t.vote = api.VoteYes
	p.mu.Unlock()
	p.transition(ctx, req.TxID, api.TxStateInit, api.TxStateReady)
	return api.PrepareResponse{TxID: req.TxID, Vote: api.VoteYes}, nil
}

// reserve runs the feasibility check and, when it passes, holds the payload's
// debits against later prepares. The returned txn is still INIT.
func (p *Participant) reserve(ctx context.Context, req api.PrepareRequest) (*txn, error) {
	p.fundsMu.Lock()
	defer p.fundsMu.Unlock()
	if err := p.checkLocked(ctx, req.Payload); err != nil {
		return nil, err
	}
	t := &txn{state: api.TxStateInit, payload: req.Payload.Clone(), reserved: true}
	p.mu.Lock()
	addReservation(p.reserved, t.payload, 1)
	p.txns[req.TxID] = t
	p.mu.Unlock()
	return t, nil
}

// CheckFeasible reports whether payload could be prepared now. It returns a
// *VoteRejectedError naming the first account, in key order, that would be
// overdrawn.
func (p *Participant) CheckFeasible(ctx context.Context, payload api.Payload) error {
	p.fundsMu.Lock()
	defer p.fundsMu.Unlock()
	return p.checkLocked(ctx, payload)
}

func (p *Participant) checkLocked(ctx context.Context, payload api.Payload) error {
	for _, account := range payload.Keys() {
		delta := payload[account]
		if delta >= 0 {
			continue
		}
		balance, err := p.ledger.Balance(ctx, account)
		if err != nil {
			return fmt.Errorf("participant: read balance %s: %w", account, err)
		}
		p.mu.Lock()
		reserved := p.reserved[account]
		p.mu.Unlock()
		if balance+delta-reserved < 0 {
			return &VoteRejectedError{Account: account, Balance: balance, Delta: delta, Reserved: reserved}
		}
	}
	return nil
}
