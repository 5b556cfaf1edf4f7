package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"pkt.systems/commitd/api"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	name    TEXT PRIMARY KEY,
	balance INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS applied_txns (
	txid TEXT PRIMARY KEY
);
`

// SQLite is a Ledger stored in a SQLite database file. Apply records the txid
// and the balance changes in one SQL transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger: sqlite path required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// One connection serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Balance returns the balance of account, or zero when it has no row.
func (s *SQLite) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE name = ?`, account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrap("balance", err)
	}
	return balance, nil
}

// Seed inserts opening balances for accounts without a row. Existing rows
// keep their committed balance.
func (s *SQLite) Seed(ctx context.Context, balances map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("seed", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, account := range Accounts(balances) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (name, balance) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
			account, balances[account],
		); err != nil {
			return s.wrap("seed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("seed", err)
	}
	return nil
}

// Apply records txid and adds payload to the balances in one SQL
// transaction. A txid already recorded leaves the ledger untouched and
// reports false.
func (s *SQLite) Apply(ctx context.Context, txid string, payload api.Payload) (bool, error) {
	if txid == "" {
		return false, errors.New("ledger: txid required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.wrap("apply", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `INSERT INTO applied_txns (txid) VALUES (?) ON CONFLICT(txid) DO NOTHING`, txid)
	if err != nil {
		return false, s.wrap("apply", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, s.wrap("apply", err)
	} else if n == 0 {
		return false, nil
	}
	for _, account := range payload.Keys() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (name, balance) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET balance = balance + excluded.balance`,
			account, payload[account],
		); err != nil {
			return false, s.wrap("apply", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, s.wrap("apply", err)
	}
	return true, nil
}

// Applied reports whether txid has a row in applied_txns.
func (s *SQLite) Applied(ctx context.Context, txid string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM applied_txns WHERE txid = ?`, txid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("applied", err)
	}
	return true, nil
}

// Snapshot reads every account row.
func (s *SQLite) Snapshot(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, balance FROM accounts ORDER BY name`)
	if err != nil {
		return nil, s.wrap("snapshot", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			name    string
			balance int64
		)
		if err := rows.Scan(&name, &balance); err != nil {
			return nil, s.wrap("snapshot", err)
		}
		out[name] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("snapshot", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) wrap(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("ledger: %s: %w", op, ErrClosed)
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}
