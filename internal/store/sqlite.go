package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
)

// SQLiteStore implements LedgerStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based ledger store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer keeps appends strictly ordered.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

const sqliteSchema = `
-- Append-only transaction log
CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	timestamp TEXT NOT NULL,
	account_id TEXT NOT NULL,
	type TEXT NOT NULL,
	amount TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	counterparty_id TEXT NOT NULL DEFAULT '',
	instrument TEXT NOT NULL DEFAULT '',
	side TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL DEFAULT 0,
	price TEXT NOT NULL DEFAULT '0',
	reference TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq);

-- Deposit queue
CREATE TABLE IF NOT EXISTS deposits (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deposits_status ON deposits(status, submitted_at);

-- Engine state (last scheduler runs, halt flag)
CREATE TABLE IF NOT EXISTS engine_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const txColumns = `seq, id, timestamp, account_id, type, amount, balance_after,
	counterparty_id, instrument, side, quantity, price, reference, note`

// AppendTransactions implements LedgerStore.
func (s *SQLiteStore) AppendTransactions(ctx context.Context, txs ...models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", errors.ErrDatabaseError, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		_, err := stmt.ExecContext(ctx,
			t.Seq, t.ID.String(), t.Timestamp.UTC().Format(time.RFC3339Nano), t.AccountID, string(t.Type),
			t.Amount.String(), t.BalanceAfter.String(), t.CounterpartyID, t.Instrument, string(t.Side),
			t.Quantity, t.Price.String(), t.Reference, t.Note)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %d: %w", t.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTransactions implements LedgerStore.
func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, filter.AfterSeq)
	}
	if len(filter.Types) > 0 {
		ph := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}

	query := "SELECT " + txColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		// Latest N, returned oldest first.
		query = "SELECT * FROM (" + query + " ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC"
		args = append(args, filter.Limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(r rowScanner) (models.Transaction, error) {
	var (
		t                              models.Transaction
		id, ts, typ, side              string
		amount, balanceAfter, priceStr string
	)
	if err := r.Scan(&t.Seq, &id, &ts, &t.AccountID, &typ, &amount, &balanceAfter,
		&t.CounterpartyID, &t.Instrument, &side, &t.Quantity, &priceStr, &t.Reference, &t.Note); err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}

	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return t, fmt.Errorf("transaction %d: bad id: %w", t.Seq, err)
	}
	if t.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return t, fmt.Errorf("transaction %d: bad timestamp: %w", t.Seq, err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("transaction %d: bad amount: %w", t.Seq, err)
	}
	if t.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return t, fmt.Errorf("transaction %d: bad balance_after: %w", t.Seq, err)
	}
	if t.Price, err = decimal.NewFromString(priceStr); err != nil {
		return t, fmt.Errorf("transaction %d: bad price: %w", t.Seq, err)
	}
	t.Type = models.TransactionType(typ)
	t.Side = models.OrderSide(side)
	return t, nil
}

// LastSeq implements LedgerStore.
func (s *SQLiteStore) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM transactions").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq.Int64, nil
}

// SaveDeposit implements LedgerStore.
func (s *SQLiteStore) SaveDeposit(ctx context.Context, d *models.Deposit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposits (id, account_id, amount, source, status, attempts, last_error, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, d.ID, d.AccountID, d.Amount.String(), d.Source, string(d.Status), d.Attempts, d.LastError,
		d.SubmittedAt.UTC().Format(time.RFC3339Nano), d.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save deposit %s: %w", d.ID, err)
	}
	return nil
}

// ListDeposits implements LedgerStore.
func (s *SQLiteStore) ListDeposits(ctx context.Context, status models.DepositStatus) ([]models.Deposit, error) {
	query := `SELECT id, account_id, amount, source, status, attempts, last_error, submitted_at, updated_at FROM deposits`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY submitted_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	var out []models.Deposit
	for rows.Next() {
		var (
			d                           models.Deposit
			amount, st, submitted, upd string
		)
		if err := rows.Scan(&d.ID, &d.AccountID, &amount, &d.Source, &st, &d.Attempts, &d.LastError, &submitted, &upd); err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("deposit %s: bad amount: %w", d.ID, err)
		}
		d.Status = models.DepositStatus(st)
		d.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submitted)
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, upd)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetState implements LedgerStore.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM engine_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState implements LedgerStore.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}
