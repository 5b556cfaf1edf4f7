// Package ledger holds the account balances a participant mutates when a
// transaction commits. Apply is idempotent per transaction id so replaying a
// participant log against a durable ledger never double-applies a payload.
package ledger

import (
	"context"
	"errors"
	"sort"

	"pkt.systems/commitd/api"
)

// ErrClosed is returned by operations on a closed ledger.
var ErrClosed = errors.New("ledger: closed")

// Ledger stores account balances.
type Ledger interface {
	// Balance returns the balance of account; unknown accounts hold zero.
	Balance(ctx context.Context, account string) (int64, error)
	// Seed sets the opening balance of accounts that do not exist yet.
	Seed(ctx context.Context, balances map[string]int64) error
	// Apply adds payload to the balances once per txid. It reports whether
	// the payload was applied by this call.
	Apply(ctx context.Context, txid string, payload api.Payload) (bool, error)
	// Applied reports whether txid has been applied.
	Applied(ctx context.Context, txid string) (bool, error)
	// Snapshot returns every account balance.
	Snapshot(ctx context.Context) (map[string]int64, error)
	// Close releases the ledger.
	Close() error
}

// Total sums a snapshot. A ledger touched only by balanced transfers keeps
// its seeded total.
func Total(snapshot map[string]int64) int64 {
	var sum int64
	for _, v := range snapshot {
		sum += v
	}
	return sum
}

// Accounts returns the sorted account names of a snapshot.
func Accounts(snapshot map[string]int64) []string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
