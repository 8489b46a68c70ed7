// Package cli provides the command-line interface for the sweep engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"arki-trader/internal/config"
	"arki-trader/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-01-01"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: logging.NewLogger()}

	rootCmd := &cobra.Command{
		Use:   "arki",
		Short: "Arki Trader - cash sweep and deposit allocation",
		Long: `Arki Trader keeps a cash account at its target level, sweeps the excess
into an investment account and invests deposits across strategies according
to an allocation table.

Use 'arki run' to start the scheduler with an interactive prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if cmd.Annotations[skipConfig] == "true" {
				if debug {
					app.Logger = app.Logger.Level(zerolog.DebugLevel)
				}
				return nil
			}

			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.ConfigDir = cfg.Dir

			lc := cfg.LogConfig()
			if debug {
				lc.Level = "debug"
			}
			app.Logger = logging.NewLoggerWithConfig(lc)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/arki-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	addEngineCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Arki Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and allocation table",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			table, err := loadTable(app.Config)
			if err != nil {
				output.Error("Allocation table invalid: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"valid": true, "warnings": table.Warnings()})
			}
			for _, w := range table.Warnings() {
				output.Warning("! %s", w)
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Accounts")
	output.Printf("  Currency:          %s\n", cfg.Accounts.Currency)
	output.Printf("  Cash account:      %s\n", cfg.Accounts.CashAccountID)
	output.Printf("  Investment:        %s\n", cfg.Accounts.InvestmentAccountID)
	output.Println()

	p := cfg.CashPolicy()
	output.Bold("Cash Management")
	output.Printf("  Min cash level:    %s\n", p.MinCashLevel.StringFixed(2))
	output.Printf("  Threshold:         %s\n", p.TransferThreshold.StringFixed(2))
	output.Printf("  Tolerance:         %s\n", p.AllocationTolerance.String())
	output.Printf("  Invest transfers:  %v\n", cfg.CashManagement.InvestTransfers)
	output.Println()

	output.Bold("Scheduler")
	output.Printf("  Interval:          %s\n", cfg.Scheduler.Interval)
	output.Printf("  Max attempts:      %d\n", cfg.Scheduler.MaxAttempts)
	output.Printf("  Rebalance:         %v (%s)\n", cfg.Scheduler.RebalanceEnabled, cfg.Scheduler.RebalanceSchedule)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Ledger:            %s %s\n", cfg.Ledger.Driver, cfg.LedgerPath())
	output.Printf("  Allocation file:   %s\n", cfg.AllocationPath())
	output.Printf("  Price cache TTL:   %s\n", cfg.Prices.CacheTTL)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:           %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:             %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:           %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:          %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:             %v\n", cfg.Notifications.Email.Enabled)

	return nil
}
