package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"arki-trader/internal/allocation"
	"arki-trader/internal/allocator"
	"arki-trader/internal/config"
	"arki-trader/internal/errors"
	"arki-trader/internal/models"
	"arki-trader/internal/trading"
	"arki-trader/pkg/utils"
)

func addEngineCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newDepositCmd(app))
	rootCmd.AddCommand(newBalanceCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newDepositsCmd(app))
	rootCmd.AddCommand(newVerifyCmd(app))
	rootCmd.AddCommand(newPlanCmd(app))
	rootCmd.AddCommand(newSweepCmd(app))
	rootCmd.AddCommand(newRebalanceCmd(app))
	rootCmd.AddCommand(newAllocationCmd(app))
}

func loadTable(cfg *config.Config) (*allocation.Table, error) {
	return allocation.LoadFile(cfg.AllocationPath(), allocation.Options{
		DriftTolerance:  decimal.NewFromFloat(cfg.Allocation.WeightDriftTolerance),
		StrategyWeights: cfg.StrategyWeights(),
	})
}

func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return decimal.Zero, errors.NewValidationError("amount", s, "not a number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.NewValidationError("amount", s, "must be positive")
	}
	return amount, nil
}

func parseAccountKind(s string) (models.AccountKind, error) {
	kind := models.AccountKind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", errors.NewValidationError("account", s, "must be cash or investment")
	}
	return kind, nil
}

func newDepositCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit funds and allocate them",
		Long: `Credit a deposit to an account. Investment account deposits are allocated
across the strategy table right away unless --queue is given, in which case
the scheduler picks them up on its next tick.`,
		Example: `  arki deposit 10000
  arki deposit 2500 --account cash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			accountFlag, _ := cmd.Flags().GetString("account")
			kind, err := parseAccountKind(accountFlag)
			if err != nil {
				return err
			}
			note, _ := cmd.Flags().GetString("note")
			queue, _ := cmd.Flags().GetBool("queue")

			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			d, err := rt.Engine.SubmitDeposit(cmd.Context(), kind, amount, note)
			if err != nil {
				return err
			}

			var results []trading.DepositResult
			var sweep *trading.SweepResult
			if !queue {
				if results, err = rt.Engine.ProcessPending(cmd.Context()); err != nil && !errors.Is(err, errors.ErrTransfersHalted) {
					return err
				}
				if sweep, err = rt.Engine.Sweep(cmd.Context()); err != nil && !errors.Is(err, errors.ErrTransfersHalted) {
					return err
				}
				if sweep != nil && sweep.Queued != nil {
					more, err := rt.Engine.ProcessDeposit(cmd.Context(), sweep.Queued.ID)
					if err != nil {
						return err
					}
					if more != nil {
						results = append(results, *more)
					}
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"deposit": d,
					"results": depositResultsJSON(results),
					"sweep":   sweep,
				})
			}
			output.Success("✓ Deposited %s into %s (%s)", utils.FormatMoney(amount, rt.Engine.Currency()), d.AccountID, d.ID)
			for _, r := range results {
				printDepositResult(output, r, rt.Engine.Currency())
			}
			printSweep(output, sweep, rt.Engine.Currency())
			return nil
		},
	}
	cmd.Flags().String("account", string(models.AccountInvestment), "account to credit: cash or investment")
	cmd.Flags().String("note", "", "note stored with the deposit")
	cmd.Flags().Bool("queue", false, "only queue the deposit for the scheduler")
	return cmd
}

func depositResultsJSON(results []trading.DepositResult) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		fills := make([]map[string]interface{}, 0)
		for _, o := range r.Fills() {
			fills = append(fills, map[string]interface{}{
				"instrument": o.Intent.Instrument,
				"side":       o.Intent.Side,
				"quantity":   o.Fill.QuantityFilled,
				"price":      o.Fill.FillPrice,
				"order_id":   o.Fill.OrderID,
			})
		}
		failures := make([]map[string]interface{}, 0)
		for _, o := range r.Failures() {
			failures = append(failures, map[string]interface{}{
				"instrument": o.Intent.Instrument,
				"quantity":   o.Intent.Quantity,
				"error":      o.Err.Error(),
			})
		}
		skipped := make([]string, 0, len(r.Plan.Skipped))
		for _, s := range r.Plan.Skipped {
			skipped = append(skipped, s.Instrument)
		}
		out = append(out, map[string]interface{}{
			"deposit_id": r.Deposit.ID,
			"status":     r.Deposit.Status,
			"attempts":   r.Deposit.Attempts,
			"fills":      fills,
			"failures":   failures,
			"skipped":    skipped,
			"invested":   r.Invested,
			"residual":   r.Residual,
		})
	}
	return out
}

func printDepositResult(output *Output, r trading.DepositResult, currency string) {
	output.Println()
	output.Bold("Allocation %s", r.Deposit.ID)
	var rows [][]string
	for _, o := range r.Outcomes {
		status := output.Green("filled")
		price := o.Intent.Price
		if o.Filled() {
			price = o.Fill.FillPrice
		} else {
			status = output.Red("failed: " + utils.Truncate(o.Err.Error(), 50))
		}
		rows = append(rows, []string{o.Intent.Strategy, o.Intent.Instrument, string(o.Intent.Side),
			FormatQuantity(o.Intent.Quantity), price.StringFixed(2), status})
	}
	if len(rows) > 0 {
		output.Table([]string{"STRATEGY", "INSTRUMENT", "SIDE", "QTY", "PRICE", "STATUS"}, rows)
	}
	for _, s := range r.Plan.Skipped {
		output.Warning("! %s (%s) skipped: no price", s.Instrument, s.Strategy)
	}
	output.Printf("Invested %s, residual cash %s\n",
		utils.FormatMoney(r.Invested, currency), utils.FormatMoney(r.Residual, currency))

	switch r.Deposit.Status {
	case models.DepositCompleted:
		output.Success("✓ Deposit allocated")
	case models.DepositFailed:
		output.Error("✗ Deposit failed after %d attempts, manual intervention required", r.Deposit.Attempts)
	default:
		output.Warning("! Attempt %d incomplete, will retry", r.Deposit.Attempts)
	}
}

func printSweep(output *Output, sweep *trading.SweepResult, currency string) {
	if sweep == nil {
		return
	}
	if sweep.Transfer != nil {
		output.Success("✓ Swept %s from %s to %s", utils.FormatMoney(sweep.Transfer.Amount, currency),
			sweep.Transfer.From, sweep.Transfer.To)
		return
	}
	output.Dim("No transfer: excess %s does not exceed threshold %s",
		utils.FormatMoney(sweep.Decision.Excess, currency), utils.FormatMoney(sweep.Decision.Threshold, currency))
}

func newBalanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show account balances and positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := rt.Engine.Summary(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(sum)
			}
			printSummary(output, sum, rt.Engine.Currency())
			return nil
		},
	}
}

func printSummary(output *Output, sum *trading.Summary, currency string) {
	for _, a := range sum.Accounts {
		output.Bold("%s (%s)", a.ID, a.Kind)
		output.Printf("  Cash:       %s\n", utils.FormatMoney(a.Balance, currency))
		if len(a.Positions) > 0 {
			output.Printf("  Positions:  %s\n", utils.FormatMoney(a.PositionsValue(), currency))
			syms := make([]string, 0, len(a.Positions))
			for sym := range a.Positions {
				syms = append(syms, sym)
			}
			sort.Strings(syms)
			var rows [][]string
			for _, sym := range syms {
				p := a.Positions[sym]
				rows = append(rows, []string{"  " + sym, FormatQuantity(p.Quantity), p.LastPrice.StringFixed(2),
					utils.FormatMoney(p.Value(), "")})
			}
			output.Table([]string{"  INSTRUMENT", "QTY", "LAST", "VALUE"}, rows)
		}
		output.Println()
	}
	if len(sum.Pending) > 0 {
		output.Warning("%d deposit(s) pending allocation", len(sum.Pending))
	}
	if sum.FailedDeposits > 0 {
		output.Error("%d deposit(s) failed and need attention", sum.FailedDeposits)
	}
	if sum.Halted {
		output.Error("Automated transfers halted: %s", sum.HaltReason)
	} else if sum.NextSweep.ShouldTransfer {
		output.Info("Next sweep would move %s", utils.FormatMoney(sum.NextSweep.Amount, currency))
	}
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the transaction log of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			accountFlag, _ := cmd.Flags().GetString("account")
			limit, _ := cmd.Flags().GetInt("limit")
			kind, err := parseAccountKind(accountFlag)
			if err != nil {
				return err
			}

			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			id, _ := rt.Engine.AccountID(kind)
			txs, err := rt.Ledger.History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(txs)
			}
			printHistory(output, txs, rt.Engine.Currency())
			return nil
		},
	}
	cmd.Flags().String("account", string(models.AccountInvestment), "account: cash or investment")
	cmd.Flags().Int("limit", 20, "number of most recent records (0 for all)")
	return cmd
}

func printHistory(output *Output, txs []models.Transaction, currency string) {
	if len(txs) == 0 {
		output.Dim("No transactions")
		return
	}
	rows := make([][]string, 0, len(txs))
	for _, tx := range txs {
		rows = append(rows, []string{
			fmt.Sprint(tx.Seq),
			FormatDateTime(tx.Timestamp, nil),
			string(tx.Type),
			output.Amount(utils.FormatSignedMoney(tx.Amount, ""), tx.Amount.IsNegative()),
			utils.FormatMoney(tx.BalanceAfter, ""),
			FormatTransaction(tx),
		})
	}
	output.Table([]string{"SEQ", "TIME (UTC)", "TYPE", "AMOUNT " + currency, "BALANCE", "DETAIL"}, rows)
}

func newDepositsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposits",
		Short: "List deposits and their allocation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			status, _ := cmd.Flags().GetString("status")
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			deposits, err := rt.Engine.Deposits(cmd.Context(), models.DepositStatus(status))
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(deposits)
			}
			rows := make([][]string, 0, len(deposits))
			for _, d := range deposits {
				rows = append(rows, []string{d.ID, d.AccountID, utils.FormatMoney(d.Amount, ""), d.Source,
					string(d.Status), fmt.Sprint(d.Attempts), utils.Truncate(d.LastError, 40)})
			}
			output.Table([]string{"ID", "ACCOUNT", "AMOUNT", "SOURCE", "STATUS", "ATTEMPTS", "LAST ERROR"}, rows)
			return nil
		},
	}
	cmd.Flags().String("status", "", "filter by status: pending, completed, failed")
	return cmd
}

func newVerifyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the transaction log and compare it with live balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			resume, _ := cmd.Flags().GetBool("resume")
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}

			if err := rt.Ledger.VerifyAll(cmd.Context()); err != nil {
				var inc *errors.LedgerInconsistencyError
				if errors.As(err, &inc) {
					rt.Engine.Halt(cmd.Context(), err)
				}
				output.Error("✗ %v", err)
				return err
			}
			if resume {
				if err := rt.Engine.Resume(cmd.Context()); err != nil {
					return err
				}
			}

			halted, reason := rt.Engine.Halted()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"consistent": true, "halted": halted, "halt_reason": reason})
			}
			output.Success("✓ Ledger is consistent")
			if halted {
				output.Warning("Transfers are halted (%s). Run 'arki verify --resume' to resume.", reason)
			}
			return nil
		},
	}
	cmd.Flags().Bool("resume", false, "resume automated transfers when the ledger is consistent")
	return cmd
}

func newPlanCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <amount>",
		Short: "Preview how an amount would be allocated at current prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			plan := rt.Engine.Preview(cmd.Context(), amount)
			if output.IsJSON() {
				return output.JSON(plan)
			}
			printPlan(output, plan, rt.Engine.Currency())
			return nil
		},
	}
}

func printPlan(output *Output, plan allocator.Plan, currency string) {
	for _, s := range plan.Strategies {
		output.Printf("%s  budget %s  invested %s\n", PadRight(s.Name, 12),
			utils.FormatMoney(s.Budget, currency), utils.FormatMoney(s.Invested, currency))
	}
	output.Println()
	var rows [][]string
	for _, in := range plan.Intents {
		rows = append(rows, []string{in.Strategy, in.Instrument, string(in.Side), FormatQuantity(in.Quantity),
			in.Price.StringFixed(2), utils.FormatMoney(in.Notional(), "")})
	}
	if len(rows) > 0 {
		output.Table([]string{"STRATEGY", "INSTRUMENT", "SIDE", "QTY", "PRICE", "NOTIONAL"}, rows)
	} else {
		output.Dim("No orders")
	}
	for _, s := range plan.Skipped {
		output.Warning("! %s (%s) skipped: no price", s.Instrument, s.Strategy)
	}
	output.Printf("Residual cash: %s\n", utils.FormatMoney(plan.Residual, currency))
}

func newSweepCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evaluate the cash policy and transfer excess cash",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}
			sweep, err := rt.Engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			var results []trading.DepositResult
			if sweep.Queued != nil {
				if results, err = rt.Engine.ProcessPending(cmd.Context()); err != nil {
					return err
				}
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"sweep": sweep, "results": depositResultsJSON(results)})
			}
			printSweep(output, sweep, rt.Engine.Currency())
			for _, r := range results {
				printDepositResult(output, r, rt.Engine.Currency())
			}
			return nil
		},
	}
}

func newRebalanceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Trade the investment account back toward its target weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			rt, err := app.Runtime(cmd.Context())
			if err != nil {
				return err
			}

			if dryRun {
				plan, err := rt.Engine.PlanRebalance(cmd.Context())
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(plan)
				}
				printPlan(output, plan, rt.Engine.Currency())
				return nil
			}

			res, err := rt.Engine.Rebalance(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			printRebalance(output, res, rt.Engine.Currency())
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "only show the corrective orders")
	return cmd
}

func printRebalance(output *Output, res *trading.RebalanceResult, currency string) {
	if res.Plan.Empty() {
		output.Success("✓ Portfolio is within tolerance")
		return
	}
	printDepositResult(output, trading.DepositResult{
		Deposit:  models.Deposit{ID: res.Reference, Status: models.DepositCompleted},
		Plan:     res.Plan,
		Outcomes: res.Outcomes,
		Residual: res.Plan.Residual,
	}, currency)
	if n := len(res.Failures()); n > 0 {
		output.Warning("%d order(s) failed and were recorded as order_failed", n)
	}
}

func newAllocationCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocation",
		Short: "Allocation table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show strategies, instruments and target weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			table, err := loadTable(app.Config)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"strategies": table.Strategies(),
					"cash":       table.CashTargets(),
					"portfolio":  table.PortfolioWeights(),
				})
			}
			var rows [][]string
			for _, s := range table.Strategies() {
				for _, t := range s.Targets {
					rows = append(rows, []string{s.Name, utils.FormatWeight(table.StrategyShare(s.Name)),
						t.Instrument, string(t.InstrumentType), t.Exchange, utils.FormatWeight(t.TargetWeight)})
				}
			}
			output.Table([]string{"STRATEGY", "SHARE", "INSTRUMENT", "TYPE", "EXCHANGE", "WEIGHT"}, rows)
			for _, w := range table.Warnings() {
				output.Warning("! %s", w)
			}
			return nil
		},
	})
	return cmd
}
