package allocation

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
)

// row is one line of the allocation CSV.
type row struct {
	AccountType      string `csv:"account_type"`
	Strategy         string `csv:"strategy"`
	Instrument       string `csv:"instrument"`
	TargetPercentage string `csv:"target_percentage"`
	InstrumentType   string `csv:"instrument_type"`
	Exchange         string `csv:"exchange"`
}

// LoadFile reads and validates an allocation CSV.
func LoadFile(path string, opts Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewConfigurationError("allocation.file", path, err.Error())
	}
	defer f.Close()

	return Parse(f, opts)
}

// Parse reads allocation rows from r and builds a Table.
func Parse(r io.Reader, opts Options) (*Table, error) {
	var rows []*row
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, errors.NewConfigurationError("allocation.file", nil, fmt.Sprintf("parsing csv: %v", err))
	}

	targets := make([]models.AllocationTarget, 0, len(rows))
	for i, rw := range rows {
		weight, err := decimal.NewFromString(strings.TrimSpace(rw.TargetPercentage))
		if err != nil {
			return nil, errors.NewConfigurationError(fmt.Sprintf("allocation[%d].target_percentage", i), rw.TargetPercentage, "not a number")
		}
		instrumentType := models.InstrumentType(strings.ToUpper(strings.TrimSpace(rw.InstrumentType)))
		if instrumentType == "" {
			instrumentType = models.InstrumentStock
		}
		exchange := strings.TrimSpace(rw.Exchange)
		if exchange == "" {
			exchange = "SMART"
		}
		targets = append(targets, models.AllocationTarget{
			AccountKind:    models.AccountKind(strings.ToLower(strings.TrimSpace(rw.AccountType))),
			Strategy:       rw.Strategy,
			Instrument:     strings.ToUpper(strings.TrimSpace(rw.Instrument)),
			InstrumentType: instrumentType,
			Exchange:       exchange,
			TargetWeight:   weight,
		})
	}

	return New(targets, opts)
}

// Write renders targets back to CSV, investment targets first.
func Write(w io.Writer, t *Table) error {
	var rows []*row
	add := func(tgt models.AllocationTarget) {
		rows = append(rows, &row{
			AccountType:      string(tgt.AccountKind),
			Strategy:         tgt.Strategy,
			Instrument:       tgt.Instrument,
			TargetPercentage: tgt.TargetWeight.String(),
			InstrumentType:   string(tgt.InstrumentType),
			Exchange:         tgt.Exchange,
		})
	}
	for _, s := range t.Strategies() {
		for _, tgt := range s.Targets {
			add(tgt)
		}
	}
	for _, tgt := range t.CashTargets() {
		add(tgt)
	}
	return gocsv.Marshal(rows, w)
}
