package participant

import (
	"context"
	"fmt"
	"sort"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/ledger"
	"pkt.systems/commitd/internal/txnlog"
)

// Entry is the replayed state of one transaction.
type Entry struct {
	TxID    string
	State   api.TxState
	Vote    api.Vote
	Payload api.Payload
	// LastSeq is the sequence number of the last record seen for the txid.
	LastSeq uint64
}

// Replayed is the participant state implied by a log.
type Replayed struct {
	Entries map[string]*Entry
	// Commits lists committed txids in the order their COMMIT was logged.
	Commits []string
}

// Replay folds participant records into per-transaction state. Coordinator
// events are ignored. The result depends only on records.
func Replay(records []txnlog.Record) *Replayed {
	out := &Replayed{Entries: make(map[string]*Entry)}
	entry := func(rec txnlog.Record) *Entry {
		e, ok := out.Entries[rec.TxID]
		if !ok {
			e = &Entry{TxID: rec.TxID, State: api.TxStateInit}
			out.Entries[rec.TxID] = e
		}
		e.LastSeq = rec.Seq
		return e
	}
	for _, rec := range records {
		switch rec.Event {
		case txnlog.EventPrepared:
			e := entry(rec)
			if e.State.Terminal() {
				continue
			}
			e.State = api.TxStateReady
			e.Vote = api.VoteYes
			e.Payload = rec.Payload.Clone()
		case txnlog.EventCommit:
			e := entry(rec)
			if e.State == api.TxStateCommitted {
				continue
			}
			if len(rec.Payload) > 0 {
				e.Payload = rec.Payload.Clone()
			}
			e.State = api.TxStateCommitted
			out.Commits = append(out.Commits, rec.TxID)
		case txnlog.EventAbort:
			e := entry(rec)
			if e.State.Terminal() {
				continue
			}
			if e.Vote == "" {
				e.Vote = api.VoteNo
			}
			e.State = api.TxStateAborted
			e.Payload = nil
		}
	}
	return out
}

// State returns the replayed state of txid.
func (r *Replayed) State(txid string) api.TxState {
	if e, ok := r.Entries[txid]; ok {
		return e.State
	}
	return api.TxStateInit
}

// Ready lists the txids left READY, in log order of their last record.
func (r *Replayed) Ready() []string {
	var ready []*Entry
	for _, e := range r.Entries {
		if e.State == api.TxStateReady {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].LastSeq < ready[j].LastSeq })
	out := make([]string, len(ready))
	for i, e := range ready {
		out[i] = e.TxID
	}
	return out
}

// Rebuild applies the committed payloads found in records to l in log order.
// Ledger.Apply is idempotent per txid, so rebuilding a durable ledger that
// already holds some commits is safe.
func Rebuild(ctx context.Context, records []txnlog.Record, l ledger.Ledger) (int, error) {
	replayed := Replay(records)
	applied := 0
	for _, txid := range replayed.Commits {
		e := replayed.Entries[txid]
		ok, err := l.Apply(ctx, txid, e.Payload)
		if err != nil {
			return applied, fmt.Errorf("participant: rebuild %s: %w", txid, err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func sortedStrings(in []string) []string {
	sort.Strings(in)
	return in
}
