package txnlog

import (
	"fmt"
	"time"

	"pkt.systems/commitd/api"
)

// Event names the fact a record captures.
type Event string

const (
	// EventBegin is written by the coordinator when a transaction starts.
	EventBegin Event = "BEGIN"
	// EventPrepared is written by a participant before it votes YES.
	EventPrepared Event = "PREPARED"
	// EventVote is written by the coordinator for every vote it counted.
	EventVote Event = "VOTE"
	// EventDecision is the coordinator's durable decision.
	EventDecision Event = "DECISION"
	// EventCommit is written by a participant after applying the payload.
	EventCommit Event = "COMMIT"
	// EventAbort is written by a participant after discarding the payload.
	EventAbort Event = "ABORT"
	// EventEnd closes a transaction on the coordinator side.
	EventEnd Event = "END"
)

// Valid reports whether e is one of the known events.
func (e Event) Valid() bool {
	switch e {
	case EventBegin, EventPrepared, EventVote, EventDecision, EventCommit, EventAbort, EventEnd:
		return true
	}
	return false
}

// Record is one append-only log entry. Seq, Timestamp and Writer are assigned
// by the log during Append.
type Record struct {
	Seq          uint64       `json:"seq"`
	Event        Event        `json:"event"`
	TxID         string       `json:"txid"`
	Timestamp    time.Time    `json:"ts"`
	Writer       string       `json:"writer,omitempty"`
	Participant  string       `json:"participant,omitempty"`
	Participants []string     `json:"participants,omitempty"`
	Payload      api.Payload  `json:"payload,omitempty"`
	Plan         api.Plan     `json:"plan,omitempty"`
	Vote         api.Vote     `json:"vote,omitempty"`
	Decision     api.Decision `json:"decision,omitempty"`
	Outcome      api.Decision `json:"outcome,omitempty"`
	Error        string       `json:"error,omitempty"`
}

func (r Record) validate() error {
	if !r.Event.Valid() {
		return fmt.Errorf("txnlog: unknown event %q", r.Event)
	}
	if r.TxID == "" {
		return fmt.Errorf("txnlog: %s record without txid", r.Event)
	}
	return nil
}

// Terminal reports whether r settles a transaction on the participant side.
func (r Record) Terminal() bool {
	return r.Event == EventCommit || r.Event == EventAbort
}
