package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnavailable is returned by a participant that is crashed and has not yet
// recovered.
var ErrUnavailable = errors.New("participant unavailable")

// Vote is a participant's answer to a prepare request.
type Vote string

const (
	// VoteYes promises the participant can apply the payload on commit.
	VoteYes Vote = "YES"
	// VoteNo rejects the transaction.
	VoteNo Vote = "NO"
)

// Decision is the coordinator's single outcome for a transaction.
type Decision string

const (
	// DecisionCommit means every participant voted YES.
	DecisionCommit Decision = "COMMIT"
	// DecisionAbort means at least one vote was NO, failed or missing.
	DecisionAbort Decision = "ABORT"
	// DecisionUnknown is the query answer when no decision is recorded yet.
	DecisionUnknown Decision = "UNKNOWN"
)

// Final reports whether d is COMMIT or ABORT.
func (d Decision) Final() bool {
	return d == DecisionCommit || d == DecisionAbort
}

// ParseDecision converts a case-insensitive string to a Decision.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(raw))) {
	case DecisionCommit:
		return DecisionCommit, nil
	case DecisionAbort:
		return DecisionAbort, nil
	case DecisionUnknown, "":
		return DecisionUnknown, nil
	default:
		return "", fmt.Errorf("api: unknown decision %q", raw)
	}
}

// TxState is a participant's local state for one transaction.
type TxState string

const (
	// TxStateInit is the implicit state before a YES vote.
	TxStateInit TxState = "INIT"
	// TxStateReady means the payload is durably pending and the vote was YES.
	TxStateReady TxState = "READY"
	// TxStateCommitted is terminal: the payload was applied.
	TxStateCommitted TxState = "COMMITTED"
	// TxStateAborted is terminal: the payload was discarded.
	TxStateAborted TxState = "ABORTED"
)

// Terminal reports whether s is COMMITTED or ABORTED.
func (s TxState) Terminal() bool {
	return s == TxStateCommitted || s == TxStateAborted
}

// Payload maps account keys to signed deltas.
type Payload map[string]int64

// Clone returns an independent copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Sum returns the total of all deltas.
func (p Payload) Sum() int64 {
	var total int64
	for _, v := range p {
		total += v
	}
	return total
}

// Keys returns the account keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether p and other carry the same deltas.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the payload deterministically, e.g. "alice:-100,bob:100".
func (p Payload) String() string {
	var b strings.Builder
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", k, p[k])
	}
	return b.String()
}

// Plan assigns each participant, by name, the payload it must prepare.
type Plan map[string]Payload

// Clone returns a deep copy of p.
func (p Plan) Clone() Plan {
	if p == nil {
		return nil
	}
	out := make(Plan, len(p))
	for name, payload := range p {
		out[name] = payload.Clone()
	}
	return out
}

// Participants returns the participant names in sorted order.
func (p Plan) Participants() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether p and other assign the same payloads.
func (p Plan) Equal(other Plan) bool {
	if len(p) != len(other) {
		return false
	}
	for name, payload := range p {
		op, ok := other[name]
		if !ok || !payload.Equal(op) {
			return false
		}
	}
	return true
}

// Sum returns the total of every delta in the plan; a balanced transfer sums
// to zero.
func (p Plan) Sum() int64 {
	var total int64
	for _, payload := range p {
		total += payload.Sum()
	}
	return total
}
