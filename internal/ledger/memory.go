package ledger

import (
	"context"
	"errors"
	"maps"
	"sync"

	"pkt.systems/commitd/api"
)

// Memory is a process-local Ledger.
type Memory struct {
	mu       sync.RWMutex
	balances map[string]int64
	applied  map[string]struct{}
	closed   bool
}

// NewMemory returns a ledger seeded with balances.
func NewMemory(balances map[string]int64) *Memory {
	m := &Memory{
		balances: make(map[string]int64, len(balances)),
		applied:  make(map[string]struct{}),
	}
	maps.Copy(m.balances, balances)
	return m
}

// Balance returns the balance of account, or zero when it does not exist.
func (m *Memory) Balance(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.balances[account], nil
}

// Seed sets the opening balance of accounts the ledger does not hold yet.
func (m *Memory) Seed(ctx context.Context, balances map[string]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for account, amount := range balances {
		if _, ok := m.balances[account]; !ok {
			m.balances[account] = amount
		}
	}
	return nil
}

// Apply adds payload to the balances unless txid was applied before. It
// reports whether this call changed the ledger.
func (m *Memory) Apply(ctx context.Context, txid string, payload api.Payload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if txid == "" {
		return false, errors.New("ledger: txid required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.applied[txid]; ok {
		return false, nil
	}
	for account, delta := range payload {
		m.balances[account] += delta
	}
	m.applied[txid] = struct{}{}
	return true, nil
}

// Applied reports whether txid has been applied.
func (m *Memory) Applied(ctx context.Context, txid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.applied[txid]
	return ok, nil
}

// Snapshot returns a copy of every balance.
func (m *Memory) Snapshot(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return maps.Clone(m.balances), nil
}

// Close marks the ledger closed; later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
