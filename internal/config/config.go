// Package config provides configuration management for the sweep engine.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"arki-trader/internal/errors"
	"arki-trader/internal/logging"
	"arki-trader/internal/models"
)

// Config holds all application configuration. It is loaded once at startup
// and treated as immutable afterwards.
type Config struct {
	Accounts       AccountsConfig       `mapstructure:"accounts"`
	CashManagement CashManagementConfig `mapstructure:"cash_management"`
	Allocation     AllocationConfig     `mapstructure:"allocation"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Prices         PriceConfig          `mapstructure:"prices"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	Notifications  NotificationConfig   `mapstructure:"notifications"`
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`

	// Dir is the directory the config was loaded from.
	Dir string `mapstructure:"-"`
}

// AccountsConfig names the two accounts and their opening balances.
type AccountsConfig struct {
	Currency                 string  `mapstructure:"currency"`
	CashAccountID            string  `mapstructure:"cash_account_id"`
	InvestmentAccountID      string  `mapstructure:"investment_account_id"`
	CashInitialBalance       float64 `mapstructure:"cash_initial_balance"`
	InvestmentInitialBalance float64 `mapstructure:"investment_initial_balance"`
}

// CashManagementConfig holds the sweep policy.
type CashManagementConfig struct {
	MinCashLevel        float64 `mapstructure:"min_cash_level"`
	TransferThreshold   float64 `mapstructure:"transfer_threshold"`
	AllocationTolerance float64 `mapstructure:"allocation_tolerance"`
	// InvestTransfers allocates swept cash in the investment account right away.
	InvestTransfers bool `mapstructure:"invest_transfers"`
}

// AllocationConfig points at the allocation table.
type AllocationConfig struct {
	File                 string             `mapstructure:"file"`
	WeightDriftTolerance float64            `mapstructure:"weight_drift_tolerance"`
	StrategyWeights      map[string]float64 `mapstructure:"strategy_weights"`
}

// SchedulerConfig controls the processing loop.
type SchedulerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RebalanceEnabled  bool          `mapstructure:"rebalance_enabled"`
	RebalanceSchedule string        `mapstructure:"rebalance_schedule"`
	BusinessDaysOnly  bool          `mapstructure:"business_days_only"`
	Timezone          string        `mapstructure:"timezone"`
}

// BrokerConfig configures the execution boundary.
type BrokerConfig struct {
	Mode           string               `mapstructure:"mode"`
	OrderTimeout   time.Duration        `mapstructure:"order_timeout"`
	PaperPrices    map[string]float64   `mapstructure:"paper_prices"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker guarding order placement.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// PriceConfig configures the quote cache.
type PriceConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	RedisURL string        `mapstructure:"redis_url"`
}

// LedgerConfig selects the transaction log backend.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, transfers_only, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" json:"-"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password" json:"-"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// ServerConfig controls the operational HTTP endpoint.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig mirrors logging.LogConfig for the config file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/arki-trader"
	}
	return filepath.Join(home, ".config", "arki-trader")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("accounts.currency", "SGD")
	v.SetDefault("accounts.cash_account_id", "SIMULATED_CASH")
	v.SetDefault("accounts.investment_account_id", "DU3915301")
	v.SetDefault("accounts.cash_initial_balance", 50000.0)
	v.SetDefault("accounts.investment_initial_balance", 0.0)

	v.SetDefault("cash_management.min_cash_level", 10000.0)
	v.SetDefault("cash_management.transfer_threshold", 5000.0)
	v.SetDefault("cash_management.allocation_tolerance", 0.02)
	v.SetDefault("cash_management.invest_transfers", true)

	v.SetDefault("allocation.file", "allocation.csv")
	v.SetDefault("allocation.weight_drift_tolerance", 0.05)

	v.SetDefault("scheduler.interval", 30*time.Second)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.rebalance_enabled", false)
	v.SetDefault("scheduler.rebalance_schedule", "0 30 10,14 * * MON-FRI")
	v.SetDefault("scheduler.business_days_only", false)
	v.SetDefault("scheduler.timezone", "Asia/Singapore")

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.order_timeout", 10*time.Second)
	v.SetDefault("broker.circuit_breaker.enabled", true)
	v.SetDefault("broker.circuit_breaker.failure_threshold", 5)
	v.SetDefault("broker.circuit_breaker.success_threshold", 2)
	v.SetDefault("broker.circuit_breaker.timeout", 60*time.Second)

	v.SetDefault("prices.cache_ttl", 300*time.Second)

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.path", "ledger.db")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.email.smtp_host", "smtp.gmail.com")
	v.SetDefault("notifications.email.smtp_port", 587)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults are plain scalars and maps, so decoding cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// A .env file is optional.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{}
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, errors.Wrap(err, "loading config.toml")
	}
	cfg.Dir = configDir

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	v.SetEnvPrefix("ARKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARKI_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.Email.Password = v
	}
	if v := os.Getenv("ARKI_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Ledger.Driver == "postgres" {
		cfg.Ledger.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Prices.RedisURL = v
	}
}

var (
	validDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	validLevels  = map[string]bool{"all": true, "transfers_only": true, "errors_only": true}
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	a := c.Accounts
	if a.CashAccountID == "" {
		return errors.NewConfigurationError("accounts.cash_account_id", nil, "must be set")
	}
	if a.InvestmentAccountID == "" {
		return errors.NewConfigurationError("accounts.investment_account_id", nil, "must be set")
	}
	if a.CashAccountID == a.InvestmentAccountID {
		return errors.NewConfigurationError("accounts.investment_account_id", a.InvestmentAccountID, "must differ from cash_account_id")
	}
	if a.CashInitialBalance < 0 || a.InvestmentInitialBalance < 0 {
		return errors.NewConfigurationError("accounts", nil, "initial balances must be non-negative")
	}

	cm := c.CashManagement
	if cm.MinCashLevel < 0 {
		return errors.NewConfigurationError("cash_management.min_cash_level", cm.MinCashLevel, "must be non-negative")
	}
	if cm.TransferThreshold <= 0 {
		return errors.NewConfigurationError("cash_management.transfer_threshold", cm.TransferThreshold, "must be positive")
	}
	if cm.AllocationTolerance < 0 || cm.AllocationTolerance >= 1 {
		return errors.NewConfigurationError("cash_management.allocation_tolerance", cm.AllocationTolerance, "must be in [0, 1)")
	}

	al := c.Allocation
	if al.File == "" {
		return errors.NewConfigurationError("allocation.file", nil, "must be set")
	}
	if al.WeightDriftTolerance < 0 || al.WeightDriftTolerance >= 1 {
		return errors.NewConfigurationError("allocation.weight_drift_tolerance", al.WeightDriftTolerance, "must be in [0, 1)")
	}
	for name, w := range al.StrategyWeights {
		if w < 0 {
			return errors.NewConfigurationError("allocation.strategy_weights."+name, w, "must be non-negative")
		}
	}

	s := c.Scheduler
	if s.Interval <= 0 {
		return errors.NewConfigurationError("scheduler.interval", s.Interval, "must be positive")
	}
	if s.MaxAttempts < 1 {
		return errors.NewConfigurationError("scheduler.max_attempts", s.MaxAttempts, "must be at least 1")
	}
	if s.RebalanceEnabled && s.RebalanceSchedule != "" {
		if _, err := ParseSchedule(s.RebalanceSchedule); err != nil {
			return errors.NewConfigurationError("scheduler.rebalance_schedule", s.RebalanceSchedule, err.Error())
		}
	}

	if c.Broker.Mode != "paper" {
		return errors.NewConfigurationError("broker.mode", c.Broker.Mode, "only 'paper' is supported")
	}
	if c.Broker.OrderTimeout <= 0 {
		return errors.NewConfigurationError("broker.order_timeout", c.Broker.OrderTimeout, "must be positive")
	}
	for sym, p := range c.Broker.PaperPrices {
		if p <= 0 {
			return errors.NewConfigurationError("broker.paper_prices."+sym, p, "must be positive")
		}
	}

	if c.Prices.CacheTTL < 0 {
		return errors.NewConfigurationError("prices.cache_ttl", c.Prices.CacheTTL, "must be non-negative")
	}

	if !validDrivers[c.Ledger.Driver] {
		return errors.NewConfigurationError("ledger.driver", c.Ledger.Driver, "must be memory, sqlite or postgres")
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.Path == "" {
		return errors.NewConfigurationError("ledger.path", nil, "required for sqlite")
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		return errors.NewConfigurationError("ledger.dsn", nil, "required for postgres")
	}

	if c.Notifications.Enabled && !validLevels[c.Notifications.Level] {
		return errors.NewConfigurationError("notifications.level", c.Notifications.Level, "must be all, transfers_only or errors_only")
	}

	return nil
}

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a six-field cron expression (seconds first). Both
// config validation and the scheduler go through it.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// CashPolicy converts the cash management section to decimal form.
func (c *Config) CashPolicy() models.CashPolicy {
	return models.CashPolicy{
		MinCashLevel:        decimal.NewFromFloat(c.CashManagement.MinCashLevel),
		TransferThreshold:   decimal.NewFromFloat(c.CashManagement.TransferThreshold),
		AllocationTolerance: decimal.NewFromFloat(c.CashManagement.AllocationTolerance),
	}
}

// StrategyWeights returns configured strategy weights keyed by lower-case
// strategy name. Viper folds map keys to lower case.
func (c *Config) StrategyWeights() map[string]decimal.Decimal {
	if len(c.Allocation.StrategyWeights) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(c.Allocation.StrategyWeights))
	for name, w := range c.Allocation.StrategyWeights {
		out[strings.ToLower(name)] = decimal.NewFromFloat(w)
	}
	return out
}

// PaperPrices returns paper quotes keyed by upper-case instrument.
func (c *Config) PaperPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Broker.PaperPrices))
	for sym, p := range c.Broker.PaperPrices {
		out[strings.ToUpper(sym)] = decimal.NewFromFloat(p)
	}
	return out
}

// AllocationPath resolves the allocation file relative to the config directory.
func (c *Config) AllocationPath() string {
	return c.resolve(c.Allocation.File)
}

// LedgerPath resolves the sqlite path relative to the config directory.
func (c *Config) LedgerPath() string {
	return c.resolve(c.Ledger.Path)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// LogConfig converts the logging section for the logging package.
func (c *Config) LogConfig() logging.LogConfig {
	lc := logging.DefaultLogConfig()
	l := c.Logging
	if l.Level != "" {
		lc.Level = l.Level
	}
	lc.Console = l.Console
	lc.JSON = l.JSON
	lc.File = l.File
	if l.FilePath != "" {
		lc.FilePath = c.resolve(l.FilePath)
	} else if c.Dir != "" {
		lc.FilePath = filepath.Join(c.Dir, "logs", "arki.log")
	}
	if l.MaxSize > 0 {
		lc.MaxSize = l.MaxSize
	}
	if l.MaxBackups > 0 {
		lc.MaxBackups = l.MaxBackups
	}
	if l.MaxAge > 0 {
		lc.MaxAge = l.MaxAge
	}
	return lc
}
