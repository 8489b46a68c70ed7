// Package store provides persistence for the transaction log and deposit queue.
package store

import (
	"context"
	"time"

	"arki-trader/internal/models"
)

// LedgerStore persists the append-only transaction log, the deposit queue
// and a small key/value area for engine state.
type LedgerStore interface {
	// AppendTransactions writes all txs in one atomic batch.
	AppendTransactions(ctx context.Context, txs ...models.Transaction) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	LastSeq(ctx context.Context) (int64, error)

	SaveDeposit(ctx context.Context, d *models.Deposit) error
	ListDeposits(ctx context.Context, status models.DepositStatus) ([]models.Deposit, error)

	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	Close() error
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
// Results are always ordered by Seq ascending.
type TransactionFilter struct {
	AccountID string
	Types     []models.TransactionType
	Since     time.Time
	AfterSeq  int64
	Limit     int
}

// Matches reports whether tx passes the filter, ignoring Limit.
func (f TransactionFilter) Matches(tx models.Transaction) bool {
	if f.AccountID != "" && tx.AccountID != f.AccountID {
		return false
	}
	if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
		return false
	}
	if tx.Seq <= f.AfterSeq {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if tx.Type == t {
			return true
		}
	}
	return false
}
