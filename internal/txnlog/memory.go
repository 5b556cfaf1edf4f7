package txnlog

import (
	"context"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/commitd/internal/clock"
)

// Memory is a Log kept in process memory. It honours the Log contract except
// that records do not survive the process.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	writer  string
	records []Record
	closed  bool
	failErr error
}

// NewMemory returns an empty in-memory log.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{clock: clock.Ensure(c), writer: xid.New().String()}
}

// FailAppends makes subsequent appends return err; nil restores normal
// operation.
func (m *Memory) FailAppends(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Append stores rec.
func (m *Memory) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	if m.failErr != nil {
		return Record{}, m.failErr
	}
	rec.Seq = uint64(len(m.records)) + 1
	rec.Timestamp = m.clock.Now()
	rec.Writer = m.writer
	rec.Payload = rec.Payload.Clone()
	m.records = append(m.records, rec)
	return rec, nil
}

// Load returns a copy of every record.
func (m *Memory) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

// LastForTx returns the latest record for txid.
func (m *Memory) LastForTx(ctx context.Context, txid string) (Record, bool, error) {
	records, err := m.Load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := LastForTx(records, txid)
	return rec, ok, nil
}

// Close marks the log closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
