package txncoord

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txnlog"
)

// Registry holds the single decision of every transaction. A decision is
// appended to the log before it becomes visible, and once visible it never
// changes.
type Registry struct {
	log txnlog.Log

	mu        sync.RWMutex
	decisions map[string]api.Decision
	pending   map[string]api.Decision
}

// NewRegistry returns an empty registry persisting to log.
func NewRegistry(log txnlog.Log) *Registry {
	return &Registry{
		log:       log,
		decisions: make(map[string]api.Decision),
		pending:   make(map[string]api.Decision),
	}
}

// load rebuilds the map from DECISION records; the first decision of a txid
// wins.
func (r *Registry) load(records []txnlog.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if rec.Event != txnlog.EventDecision || !rec.Decision.Final() {
			continue
		}
		if _, ok := r.decisions[rec.TxID]; !ok {
			r.decisions[rec.TxID] = rec.Decision
		}
	}
}

// Record durably stores decision for txid. Recording the same decision again
// is a no-op; a different one fails with ErrDecisionConflict.
func (r *Registry) Record(ctx context.Context, txid string, decision api.Decision) error {
	if !decision.Final() {
		return fmt.Errorf("txncoord: cannot record decision %q", decision)
	}
	r.mu.Lock()
	if existing, ok := r.decisions[txid]; ok {
		r.mu.Unlock()
		if existing == decision {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrDecisionConflict, txid, existing)
	}
	if pending, ok := r.pending[txid]; ok {
		r.mu.Unlock()
		if pending == decision {
			return fmt.Errorf("%w: %s decision being recorded", ErrTxnInProgress, txid)
		}
		return fmt.Errorf("%w: %s is being recorded as %s", ErrDecisionConflict, txid, pending)
	}
	r.pending[txid] = decision
	r.mu.Unlock()

	_, err := r.log.Append(ctx, txnlog.Record{Event: txnlog.EventDecision, TxID: txid, Decision: decision})

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, txid)
	if err != nil {
		return fmt.Errorf("txncoord: append decision: %w", err)
	}
	r.decisions[txid] = decision
	return nil
}

// Get returns the recorded decision of txid.
func (r *Registry) Get(txid string) (api.Decision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decisions[txid]
	return d, ok
}

// Len returns the number of recorded decisions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decisions)
}
