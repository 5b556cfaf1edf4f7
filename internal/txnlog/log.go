// Package txnlog implements the durable, append-only record log owned by each
// protocol actor. Records are JSON lines; the log is the sole source of truth
// for rebuilding actor state after a restart.
package txnlog

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("txnlog: closed")
	// ErrCorrupt reports an unreadable record that is not a torn tail.
	ErrCorrupt = errors.New("txnlog: corrupt record")
	// ErrLocked reports that another handle owns the log directory.
	ErrLocked = errors.New("txnlog: directory locked by another owner")
)

// Log is the append-only record store of one actor.
type Log interface {
	// Append persists rec and returns it with Seq, Timestamp and Writer set.
	// It returns only once the record is durable.
	Append(ctx context.Context, rec Record) (Record, error)
	// Load returns every record in append order.
	Load(ctx context.Context) ([]Record, error)
	// LastForTx returns the most recent record for txid.
	LastForTx(ctx context.Context, txid string) (Record, bool, error)
	// Close releases the log.
	Close() error
}

// LastForTx scans records for the latest entry of txid.
func LastForTx(records []Record, txid string) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].TxID == txid {
			return records[i], true
		}
	}
	return Record{}, false
}

// ForTx returns the records of txid in order.
func ForTx(records []Record, txid string) []Record {
	var out []Record
	for _, rec := range records {
		if rec.TxID == txid {
			out = append(out, rec)
		}
	}
	return out
}
