package store

import (
	"context"
	"sort"
	"sync"

	"arki-trader/internal/models"
)

// MemoryStore is an in-process LedgerStore used for dry runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	txs      []models.Transaction
	deposits map[string]models.Deposit
	state    map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[string]models.Deposit),
		state:    make(map[string]string),
	}
}

// AppendTransactions implements LedgerStore.
func (s *MemoryStore) AppendTransactions(_ context.Context, txs ...models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, txs...)
	return nil
}

// ListTransactions implements LedgerStore.
func (s *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Transaction
	for _, tx := range s.txs {
		if filter.Matches(tx) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// LastSeq implements LedgerStore.
func (s *MemoryStore) LastSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, tx := range s.txs {
		if tx.Seq > last {
			last = tx.Seq
		}
	}
	return last, nil
}

// SaveDeposit implements LedgerStore.
func (s *MemoryStore) SaveDeposit(_ context.Context, d *models.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits[d.ID] = *d
	return nil
}

// ListDeposits implements LedgerStore.
func (s *MemoryStore) ListDeposits(_ context.Context, status models.DepositStatus) ([]models.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Deposit
	for _, d := range s.deposits {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// GetState implements LedgerStore.
func (s *MemoryStore) GetState(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok, nil
}

// SetState implements LedgerStore.
func (s *MemoryStore) SetState(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return nil
}

// Close implements LedgerStore.
func (s *MemoryStore) Close() error {
	return nil
}
