package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus tracks a deposit through allocation.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositFailed    DepositStatus = "failed"
)

// Deposit is an accepted deposit awaiting or finished with allocation.
type Deposit struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	Source      string
	Status      DepositStatus
	Attempts    int
	LastError   string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}
