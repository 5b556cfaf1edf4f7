package api

// PrepareRequest asks a participant to vote on a transaction and to hold the
// payload as pending until the decision arrives.
type PrepareRequest struct {
	// TxID identifies the atomic-commit instance.
	TxID string `json:"txid"`
	// Payload carries the keyed deltas the participant applies on commit.
	Payload Payload `json:"payload"`
}

// PrepareResponse carries a participant vote.
type PrepareResponse struct {
	// TxID echoes the prepared transaction.
	TxID string `json:"txid"`
	// Vote is YES when the payload is durably held as pending.
	Vote Vote `json:"vote"`
	// Reason explains a NO vote (for example insufficient funds).
	Reason string `json:"reason,omitempty"`
}

// DecisionMessage delivers the coordinator's decision (COMMIT or ABORT) for a
// transaction to one participant.
type DecisionMessage struct {
	// TxID identifies the decided transaction.
	TxID string `json:"txid"`
	// Kind is COMMIT or ABORT.
	Kind Decision `json:"kind"`
}
