package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arki-trader/internal/models"
)

// PostgresStore implements LedgerStore using PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn, pings the server and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewPostgresStore(pool)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq             BIGINT PRIMARY KEY,
	id              UUID NOT NULL UNIQUE,
	timestamp       TIMESTAMPTZ NOT NULL,
	account_id      TEXT NOT NULL,
	type            TEXT NOT NULL,
	amount          NUMERIC(20, 8) NOT NULL,
	balance_after   NUMERIC(20, 8) NOT NULL,
	counterparty_id TEXT NOT NULL DEFAULT '',
	instrument      TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL DEFAULT '',
	quantity        BIGINT NOT NULL DEFAULT 0,
	price           NUMERIC(20, 8) NOT NULL DEFAULT 0,
	reference       TEXT NOT NULL DEFAULT '',
	note            TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq);

CREATE TABLE IF NOT EXISTS deposits (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	amount       NUMERIC(20, 8) NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	attempts     INT NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// AppendTransactions implements LedgerStore.
func (s *PostgresStore) AppendTransactions(ctx context.Context, txs ...models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(`INSERT INTO transactions (`+txColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC, $13, $14)`,
			t.Seq, t.ID, t.Timestamp.UTC(), t.AccountID, string(t.Type),
			t.Amount.String(), t.BalanceAfter.String(), t.CounterpartyID, t.Instrument, string(t.Side),
			t.Quantity, t.Price.String(), t.Reference, t.Note)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ListTransactions implements LedgerStore.
func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = "+arg(filter.AccountID))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= "+arg(filter.Since))
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > "+arg(filter.AfterSeq))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where = append(where, "type = ANY("+arg(types)+")")
	}

	query := `SELECT seq, id::TEXT, timestamp, account_id, type, amount::TEXT, balance_after::TEXT,
		counterparty_id, instrument, side, quantity, price::TEXT, reference, note FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query = "SELECT * FROM (" + query + " ORDER BY seq DESC LIMIT " + arg(filter.Limit) + ") latest ORDER BY seq ASC"
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPgTransaction(r pgx.Row) (models.Transaction, error) {
	var (
		t                              models.Transaction
		id, typ, side                  string
		amount, balanceAfter, priceStr string
	)
	if err := r.Scan(&t.Seq, &id, &t.Timestamp, &t.AccountID, &typ, &amount, &balanceAfter,
		&t.CounterpartyID, &t.Instrument, &side, &t.Quantity, &priceStr, &t.Reference, &t.Note); err != nil {
		return t, fmt.Errorf("failed to scan transaction: %w", err)
	}
	parsed, err := parseDecimals(amount, balanceAfter, priceStr)
	if err != nil {
		return t, fmt.Errorf("transaction %d: %w", t.Seq, err)
	}
	t.Amount, t.BalanceAfter, t.Price = parsed[0], parsed[1], parsed[2]
	if err := t.ID.UnmarshalText([]byte(id)); err != nil {
		return t, fmt.Errorf("transaction %d: bad id: %w", t.Seq, err)
	}
	t.Type = models.TransactionType(typ)
	t.Side = models.OrderSide(side)
	return t, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

// LastSeq implements LedgerStore.
func (s *PostgresStore) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) FROM transactions").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq, nil
}

// SaveDeposit implements LedgerStore.
func (s *PostgresStore) SaveDeposit(ctx context.Context, d *models.Deposit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposits (id, account_id, amount, source, status, attempts, last_error, submitted_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, d.ID, d.AccountID, d.Amount.String(), d.Source, string(d.Status), d.Attempts, d.LastError,
		d.SubmittedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save deposit %s: %w", d.ID, err)
	}
	return nil
}

// ListDeposits implements LedgerStore.
func (s *PostgresStore) ListDeposits(ctx context.Context, status models.DepositStatus) ([]models.Deposit, error) {
	query := `SELECT id, account_id, amount::TEXT, source, status, attempts, last_error, submitted_at, updated_at FROM deposits`
	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY submitted_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	var out []models.Deposit
	for rows.Next() {
		var (
			d          models.Deposit
			amount, st string
		)
		if err := rows.Scan(&d.ID, &d.AccountID, &amount, &d.Source, &st, &d.Attempts, &d.LastError, &d.SubmittedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("deposit %s: bad amount: %w", d.ID, err)
		}
		d.Status = models.DepositStatus(st)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetState implements LedgerStore.
func (s *PostgresStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, "SELECT value FROM engine_state WHERE key = $1", key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState implements LedgerStore.
func (s *PostgresStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engine_state (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}
