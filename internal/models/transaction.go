package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxOpeningBalance TransactionType = "opening_balance"
	TxDeposit        TransactionType = "deposit"
	TxTransferOut    TransactionType = "transfer_out"
	TxTransferIn     TransactionType = "transfer_in"
	TxOrderFill      TransactionType = "order_fill"
	// TxOrderFailed records a failed or timed out placement. Amount is zero.
	TxOrderFailed TransactionType = "order_failed"
	// TxDepositFailed marks a deposit that exhausted its retries. Amount is zero.
	TxDepositFailed TransactionType = "deposit_failed"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxOpeningBalance, TxDeposit, TxTransferOut, TxTransferIn,
		TxOrderFill, TxOrderFailed, TxDepositFailed:
		return true
	}
	return false
}

// Transaction is an immutable ledger record. Amount is signed: credits are
// positive and debits negative. BalanceAfter is assigned by the ledger.
type Transaction struct {
	ID             uuid.UUID
	Seq            int64
	Timestamp      time.Time
	AccountID      string
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceAfter   decimal.Decimal
	CounterpartyID string
	Instrument     string
	Side           OrderSide
	Quantity       int64
	Price          decimal.Decimal
	// Reference links related records: the deposit ID for deposits and fills,
	// the transfer ID for both legs of a transfer.
	Reference string
	Note      string
}

// PositionDelta returns the signed share change a fill applies.
func (t Transaction) PositionDelta() int64 {
	if t.Type != TxOrderFill {
		return 0
	}
	if t.Side == OrderSideSell {
		return -t.Quantity
	}
	return t.Quantity
}
