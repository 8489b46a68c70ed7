package ledger

import (
	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
)

// apply folds one transaction into an account.
func apply(acct *models.Account, tx models.Transaction) {
	acct.Balance = acct.Balance.Add(tx.Amount)

	delta := tx.PositionDelta()
	if delta == 0 {
		return
	}
	if acct.Positions == nil {
		acct.Positions = make(map[string]models.Position)
	}
	pos := acct.Positions[tx.Instrument]
	pos.Instrument = tx.Instrument
	pos.Quantity += delta
	pos.LastPrice = tx.Price
	if pos.Quantity == 0 {
		delete(acct.Positions, tx.Instrument)
		return
	}
	acct.Positions[tx.Instrument] = pos
}

// Replay rebuilds an account from its history, starting from a zero balance.
// Every record's BalanceAfter must equal the running balance and sequence
// numbers must increase; otherwise a LedgerInconsistencyError is returned.
func Replay(base models.Account, history []models.Transaction) (models.Account, error) {
	acct := base.Clone()
	acct.Balance = decimal.Zero
	acct.Positions = make(map[string]models.Position)

	var prevSeq int64
	for _, tx := range history {
		if tx.AccountID != acct.ID {
			return acct, errors.NewLedgerInconsistencyError(acct.ID, tx.Seq, acct.ID, tx.AccountID, "record belongs to another account")
		}
		if tx.Seq <= prevSeq {
			return acct, errors.NewLedgerInconsistencyError(acct.ID, tx.Seq, "seq increasing", "out of order", "sequence not increasing")
		}
		prevSeq = tx.Seq

		apply(&acct, tx)
		if !acct.Balance.Equal(tx.BalanceAfter) {
			return acct, errors.NewLedgerInconsistencyError(acct.ID, tx.Seq,
				acct.Balance.String(), tx.BalanceAfter.String(), "balance_after does not match running balance")
		}
	}
	return acct, nil
}
