package cli

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arki-trader/internal/models"
	"arki-trader/internal/scheduler"
	"arki-trader/internal/server"
	"arki-trader/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler with an interactive prompt",
		Long: `Start the processing loop. Every interval pending deposits are allocated,
the cash policy is evaluated and, when enabled and due, the portfolio is
rebalanced.

At the prompt:
  deposit <amount> [cash]   credit a deposit (investment account by default)
  balance                   show balances and positions
  history [n] [cash]        show recent transactions
  status                    show scheduler state
  sweep                     run a tick now
  exit                      stop and quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			noInput, _ := cmd.Flags().GetBool("no-input")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.Runtime(ctx)
			if err != nil {
				return err
			}

			sc := app.Config.Scheduler
			sched, err := scheduler.New(rt.Engine, scheduler.Config{
				Interval:          sc.Interval,
				RebalanceEnabled:  sc.RebalanceEnabled,
				RebalanceSchedule: sc.RebalanceSchedule,
				BusinessDaysOnly:  sc.BusinessDaysOnly,
				Location:          utils.LoadLocation(sc.Timezone),
			}, rt.Store, app.Logger)
			if err != nil {
				return err
			}

			if app.Config.Server.Enabled {
				srv := server.New(server.Config{
					Addr:   app.Config.Server.Addr,
					Log:    app.Logger,
					Engine: rt.Engine,
					Loop:   sched,
				})
				go func() {
					if err := srv.Start(); err != nil && err != http.ErrServerClosed {
						app.Logger.Error().Err(err).Msg("HTTP server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if noInput {
				<-ctx.Done()
				return nil
			}

			output := NewOutput(cmd)
			output.Bold("Arki Trader v%s", Version)
			output.Dim("Type 'help' for commands, 'exit' to quit.")
			return repl(ctx, cmd.InOrStdin(), output, rt, sched)
		},
	}
	cmd.Flags().Bool("no-input", false, "run without the interactive prompt until interrupted")
	return cmd
}

// repl reads prompt commands until exit, EOF or cancellation.
func repl(ctx context.Context, in io.Reader, output *Output, rt *Runtime, sched *scheduler.Scheduler) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	currency := rt.Engine.Currency()
	for {
		output.Printf("> ")
		var line string
		select {
		case <-ctx.Done():
			output.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "exit", "quit":
			return nil

		case "help":
			output.Println("deposit <amount> [cash] | balance | history [n] [cash] | status | sweep | rebalance | exit")

		case "deposit":
			if len(fields) < 2 {
				output.Error("usage: deposit <amount> [cash]")
				continue
			}
			amount, err := parseAmount(fields[1])
			if err != nil {
				output.Error("%v", err)
				continue
			}
			kind := models.AccountInvestment
			if len(fields) > 2 {
				if kind, err = parseAccountKind(fields[2]); err != nil {
					output.Error("%v", err)
					continue
				}
			}
			d, err := rt.Engine.SubmitDeposit(ctx, kind, amount, "interactive")
			if err != nil {
				output.Error("Deposit failed: %v", err)
				continue
			}
			output.Success("✓ Deposited %s into %s", utils.FormatMoney(amount, currency), d.AccountID)
			if kind == models.AccountInvestment {
				output.Dim("Queued for allocation on the next tick")
			}

		case "balance":
			sum, err := rt.Engine.Summary(ctx)
			if err != nil {
				output.Error("%v", err)
				continue
			}
			printSummary(output, sum, currency)

		case "history":
			limit, kind := 10, models.AccountInvestment
			for _, f := range fields[1:] {
				if n, err := strconv.Atoi(f); err == nil {
					limit = n
				} else if k, err := parseAccountKind(f); err == nil {
					kind = k
				}
			}
			id, _ := rt.Engine.AccountID(kind)
			txs, err := rt.Ledger.History(ctx, id, limit)
			if err != nil {
				output.Error("%v", err)
				continue
			}
			printHistory(output, txs, currency)

		case "status":
			printStatus(output, sched, rt)

		case "sweep", "tick":
			report := sched.Tick(ctx)
			printTick(output, report, currency)

		case "rebalance":
			res, err := rt.Engine.Rebalance(ctx)
			if err != nil {
				output.Error("Rebalance failed: %v", err)
				continue
			}
			printRebalance(output, res, currency)

		default:
			output.Warning("Unknown command %q, type 'help'", fields[0])
		}
	}
}

func printStatus(output *Output, sched *scheduler.Scheduler, rt *Runtime) {
	output.Printf("Scheduler:  %s (running: %v)\n", sched.State(), sched.Running())
	if t := sched.LastTick(); t != nil {
		output.Printf("Last tick:  %s (%s)\n", FormatDateTime(t.Started, nil), t.Duration.Round(time.Millisecond))
	}
	output.Printf("Pending:    %d deposit(s)\n", len(rt.Engine.Pending()))
	if rt.Breaker != nil {
		st := rt.Breaker.Stats()
		output.Printf("Broker:     circuit %s (%d ok / %d failed / %d rejected)\n",
			st.State, st.TotalSuccesses, st.TotalFailures, st.TotalRejected)
	}
	if halted, reason := rt.Engine.Halted(); halted {
		output.Error("Transfers halted: %s", reason)
	}
	if ch := rt.Notifier.Channels(); len(ch) > 0 {
		output.Printf("Notify:     %s\n", strings.Join(ch, ", "))
	}
}

func printTick(output *Output, t scheduler.TickReport, currency string) {
	if t.Skipped {
		output.Dim("Tick skipped: %s", t.SkipReason)
		return
	}
	for _, r := range t.Deposits {
		printDepositResult(output, r, currency)
	}
	printSweep(output, t.Sweep, currency)
	if t.Rebalance != nil && !t.Rebalance.Plan.Empty() {
		output.Info("Rebalanced with %d order(s)", len(t.Rebalance.Outcomes))
	}
	for _, err := range t.Errors {
		output.Error("%v", err)
	}
	if len(t.Deposits) == 0 && t.Sweep == nil && len(t.Errors) == 0 {
		output.Dim("Nothing to do (%s)", t.Duration.Round(time.Millisecond))
	}
}
