package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arki-trader/internal/allocation"
	"arki-trader/internal/broker"
	"arki-trader/internal/config"
	"arki-trader/internal/ledger"
	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
	"arki-trader/internal/notify"
	"arki-trader/internal/prices"
	"arki-trader/internal/resilience"
	"arki-trader/internal/security"
	"arki-trader/internal/store"
	"arki-trader/internal/trading"
)

// App holds the application dependencies.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger

	runtime *Runtime
}

// Runtime is the wired engine and everything it depends on.
type Runtime struct {
	Store      store.LedgerStore
	Ledger     *ledger.Ledger
	Table      *allocation.Table
	Paper      *broker.PaperBroker
	Breaker    *resilience.CircuitBreaker
	Notifier   *notify.MultiNotifier
	Dispatcher *notify.Dispatcher
	Engine     *trading.Engine

	closers []func() error
}

// Close stops background delivery and releases storage.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Runtime builds the engine on first use.
func (a *App) Runtime(ctx context.Context) (*Runtime, error) {
	if a.runtime != nil {
		return a.runtime, nil
	}
	rt, err := Build(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	a.runtime = rt
	return rt, nil
}

// Close releases the runtime if it was built.
func (a *App) Close() error {
	if a.runtime == nil {
		return nil
	}
	err := a.runtime.Close()
	a.runtime = nil
	return err
}

// Build wires storage, ledger, allocation table, brokerage, price cache,
// notifications and the engine from cfg.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	table, err := allocation.LoadFile(cfg.AllocationPath(), allocation.Options{
		DriftTolerance:  decimal.NewFromFloat(cfg.Allocation.WeightDriftTolerance),
		StrategyWeights: cfg.StrategyWeights(),
	})
	if err != nil {
		return fail(err)
	}
	for _, w := range table.Warnings() {
		logger.Warn().Msg(w)
	}
	rt.Table = table

	st, err := store.Open(ctx, cfg.Ledger.Driver, cfg.LedgerPath(), cfg.Ledger.DSN)
	if err != nil {
		return fail(err)
	}
	rt.Store = st
	rt.closers = append(rt.closers, st.Close)

	led, err := ledger.Open(ctx, st, []ledger.AccountSpec{
		{ID: cfg.Accounts.CashAccountID, Kind: models.AccountCash, OpeningBalance: decimal.NewFromFloat(cfg.Accounts.CashInitialBalance)},
		{ID: cfg.Accounts.InvestmentAccountID, Kind: models.AccountInvestment, OpeningBalance: decimal.NewFromFloat(cfg.Accounts.InvestmentInitialBalance)},
	},
		ledger.WithLogger(logger),
		ledger.WithObserver(func(tx models.Transaction) {
			metrics.LedgerTransactions.WithLabelValues(string(tx.Type)).Inc()
			metrics.AccountBalance.WithLabelValues(tx.AccountID).Set(tx.BalanceAfter.InexactFloat64())
		}),
	)
	if err != nil {
		return fail(err)
	}
	rt.Ledger = led

	rt.Paper = broker.NewPaperBroker(broker.PaperConfig{Prices: cfg.PaperPrices()})

	var executor broker.Executor = broker.WithTimeout(rt.Paper, cfg.Broker.OrderTimeout)
	if cfg.Broker.CircuitBreaker.Enabled {
		cb := cfg.Broker.CircuitBreaker
		rt.Breaker = resilience.New("broker", resilience.Config{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout,
			IsFailure:        broker.CountsAgainstBroker,
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				metrics.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
				logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")
			},
		})
		executor = broker.WithBreaker(executor, rt.Breaker)
	}

	var cache prices.Cache = prices.NewMemoryCache()
	if cfg.Prices.RedisURL != "" {
		rc, err := prices.DialRedis(ctx, cfg.Prices.RedisURL)
		if err != nil {
			logger.Warn().Err(security.RedactError(err)).Msg("Redis unavailable, using in-memory price cache")
		} else {
			cache = rc
			rt.closers = append(rt.closers, rc.Close)
		}
	}
	source := prices.NewCachedSource(rt.Paper, cache, cfg.Prices.CacheTTL, logger)
	source.OnLookup = func(hit bool) {
		metrics.PriceLookups.WithLabelValues(metrics.CacheResult(hit)).Inc()
	}

	rt.Notifier = notify.NewMultiNotifier(cfg.Notifications)
	rt.Dispatcher = notify.NewDispatcher(rt.Notifier, 64, logger)
	rt.Dispatcher.OnDelivery = func(_ notify.Notification, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.NotificationsTotal.WithLabelValues(result).Inc()
	}
	rt.Dispatcher.Start(context.WithoutCancel(ctx))
	rt.closers = append(rt.closers, func() error {
		rt.Dispatcher.Stop()
		return nil
	})

	engine, err := trading.NewEngine(ctx, trading.Config{
		CashAccountID:       cfg.Accounts.CashAccountID,
		InvestmentAccountID: cfg.Accounts.InvestmentAccountID,
		Currency:            cfg.Accounts.Currency,
		Policy:              cfg.CashPolicy(),
		MaxAttempts:         cfg.Scheduler.MaxAttempts,
		InvestTransfers:     cfg.CashManagement.InvestTransfers,
	}, trading.Deps{
		Ledger:    led,
		Store:     st,
		Table:     table,
		Executor:  executor,
		Prices:    source,
		Publisher: rt.Dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	rt.Engine = engine
	return rt, nil
}

func breakerGauge(s resilience.CircuitState) float64 {
	switch s {
	case resilience.CircuitHalfOpen:
		return 1
	case resilience.CircuitOpen:
		return 2
	default:
		return 0
	}
}
