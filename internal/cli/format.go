package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"arki-trader/internal/models"
	"arki-trader/pkg/utils"
)

// FormatQuantity formats a share count with thousands separators.
func FormatQuantity(qty int64) string {
	s := utils.FormatMoney(decimal.NewFromInt(qty), "")
	return strings.TrimSuffix(s, ".00")
}

// FormatDateTime formats a timestamp in the given location.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01-02 15:04:05")
}

// FormatTransaction renders the detail column of a ledger record.
func FormatTransaction(tx models.Transaction) string {
	switch tx.Type {
	case models.TxOrderFill, models.TxOrderFailed:
		detail := fmt.Sprintf("%s %s %s @ %s", tx.Side, FormatQuantity(tx.Quantity), tx.Instrument, tx.Price.StringFixed(2))
		if tx.Type == models.TxOrderFailed {
			detail += " (" + utils.Truncate(tx.Note, 40) + ")"
		}
		return detail
	case models.TxTransferOut:
		return "to " + tx.CounterpartyID
	case models.TxTransferIn:
		return "from " + tx.CounterpartyID
	default:
		return utils.Truncate(tx.Note, 48)
	}
}

// PadRight pads a string to the right.
func PadRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
