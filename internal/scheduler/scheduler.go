// Package scheduler runs the engine on a fixed interval: pending deposits
// first, then the cash sweep, then rebalancing when it is due.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"arki-trader/internal/config"
	"arki-trader/internal/errors"
	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
	"arki-trader/internal/store"
	"arki-trader/internal/trading"
	"arki-trader/pkg/utils"
)

const stateLastTick = "scheduler.last_tick"

// Engine is the work the scheduler drives.
type Engine interface {
	ProcessPending(ctx context.Context) ([]trading.DepositResult, error)
	ProcessDeposit(ctx context.Context, id string) (*trading.DepositResult, error)
	Sweep(ctx context.Context) (*trading.SweepResult, error)
	Rebalance(ctx context.Context) (*trading.RebalanceResult, error)
}

// Config controls the loop.
type Config struct {
	Interval         time.Duration
	RebalanceEnabled bool
	// RebalanceSchedule is a cron spec with seconds. Empty rebalances every tick.
	RebalanceSchedule string
	BusinessDaysOnly  bool
	Location          *time.Location
}

// TickReport describes one iteration.
type TickReport struct {
	Started    time.Time
	Duration   time.Duration
	Skipped    bool
	SkipReason string
	Deposits   []trading.DepositResult
	Sweep      *trading.SweepResult
	Rebalance  *trading.RebalanceResult
	Errors     []error
}

// Scheduler is the processing loop. Only one tick runs at a time; a tick
// that fires while another is in progress is skipped.
type Scheduler struct {
	engine Engine
	cfg    Config
	state  store.LedgerStore
	logger zerolog.Logger
	now    func() time.Time

	rebalance cron.Schedule

	tickMu  sync.Mutex
	current atomic.Value // models.SchedulerState
	due     atomic.Bool
	last    atomic.Pointer[TickReport]

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New validates cfg and creates an idle scheduler. st may be nil; when set
// the time of the last completed tick is persisted there.
func New(engine Engine, cfg Config, st store.LedgerStore, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.NewConfigurationError("scheduler.interval", cfg.Interval, "must be positive")
	}
	if cfg.Location == nil {
		cfg.Location = utils.DefaultLocation
	}
	var rebalance cron.Schedule
	if cfg.RebalanceEnabled && cfg.RebalanceSchedule != "" {
		sched, err := config.ParseSchedule(cfg.RebalanceSchedule)
		if err != nil {
			return nil, errors.NewConfigurationError("scheduler.rebalance_schedule", cfg.RebalanceSchedule, err.Error())
		}
		rebalance = sched
	}

	s := &Scheduler{
		engine:    engine,
		cfg:       cfg,
		state:     st,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		rebalance: rebalance,
	}
	s.current.Store(models.StateIdle)
	return s, nil
}

// Start launches the loop and returns immediately. The first tick runs at once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if s.rebalance != nil {
		s.cron = cron.New(cron.WithLocation(s.cfg.Location))
		s.cron.Schedule(s.rebalance, cron.FuncJob(s.RequestRebalance))
		s.cron.Start()
		s.logger.Info().Str("schedule", s.cfg.RebalanceSchedule).Msg("Rebalance schedule registered")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)

	s.logger.Info().Dur("interval", s.cfg.Interval).Bool("rebalance", s.cfg.RebalanceEnabled).Msg("Scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done, c := s.cancel, s.done, s.cron
	s.cron = nil
	s.mu.Unlock()

	cancel()
	<-done
	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info().Msg("Scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns the phase of the current tick.
func (s *Scheduler) State() models.SchedulerState {
	return s.current.Load().(models.SchedulerState)
}

// LastTick returns the report of the most recent completed tick, or nil.
func (s *Scheduler) LastTick() *TickReport {
	return s.last.Load()
}

// RequestRebalance marks rebalancing due for the next tick.
func (s *Scheduler) RequestRebalance() {
	s.due.Store(true)
}

func (s *Scheduler) rebalanceDue() bool {
	if !s.cfg.RebalanceEnabled {
		return false
	}
	if s.cfg.RebalanceSchedule == "" {
		return true
	}
	return s.due.Load()
}

// Tick runs one iteration synchronously.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	report := TickReport{Started: s.now()}
	if !s.tickMu.TryLock() {
		report.Skipped = true
		report.SkipReason = "previous tick still running"
		metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		s.logger.Debug().Msg("Tick skipped, previous tick still running")
		return report
	}
	defer s.tickMu.Unlock()
	defer s.current.Store(models.StateIdle)

	if s.cfg.BusinessDaysOnly && !utils.IsBusinessDay(report.Started, s.cfg.Location) {
		report.Skipped = true
		report.SkipReason = "not a business day"
		metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		return report
	}

	s.current.Store(models.StateProcessingDeposits)
	s.processDeposits(ctx, &report)

	sweep, err := s.engine.Sweep(ctx)
	switch {
	case errors.Is(err, errors.ErrTransfersHalted):
		s.logger.Warn().Err(err).Msg("Sweep skipped, transfers halted")
	case err != nil:
		report.Errors = append(report.Errors, fmt.Errorf("sweep: %w", err))
		s.logger.Error().Err(err).Msg("Sweep failed")
	default:
		report.Sweep = sweep
		if sweep.Queued != nil {
			// Swept cash is invested in the same tick. Only the new deposit
			// is attempted so every other deposit gets one attempt per tick.
			s.processDeposit(ctx, &report, sweep.Queued.ID)
		}
	}

	if s.rebalanceDue() && ctx.Err() == nil {
		s.current.Store(models.StateRebalancing)
		rb, err := s.engine.Rebalance(ctx)
		switch {
		case errors.Is(err, errors.ErrTransfersHalted):
			s.logger.Warn().Err(err).Msg("Rebalance skipped, transfers halted")
		case err != nil:
			report.Errors = append(report.Errors, fmt.Errorf("rebalance: %w", err))
			s.logger.Error().Err(err).Msg("Rebalance failed")
		default:
			report.Rebalance = rb
			s.due.Store(false)
		}
	}

	report.Duration = s.now().Sub(report.Started)
	metrics.TickDuration.Observe(report.Duration.Seconds())
	result := "ok"
	if len(report.Errors) > 0 {
		result = "error"
	}
	metrics.SchedulerTicks.WithLabelValues(result).Inc()

	if s.state != nil {
		if err := s.state.SetState(context.WithoutCancel(ctx), stateLastTick, report.Started.UTC().Format(time.RFC3339Nano)); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist last tick time")
		}
	}
	s.last.Store(&report)
	return report
}

func (s *Scheduler) processDeposits(ctx context.Context, report *TickReport) {
	results, err := s.engine.ProcessPending(ctx)
	report.Deposits = append(report.Deposits, results...)
	s.depositError(report, err)
}

func (s *Scheduler) processDeposit(ctx context.Context, report *TickReport, id string) {
	res, err := s.engine.ProcessDeposit(ctx, id)
	if res != nil {
		report.Deposits = append(report.Deposits, *res)
	}
	s.depositError(report, err)
}

func (s *Scheduler) depositError(report *TickReport, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrTransfersHalted):
		s.logger.Warn().Err(err).Msg("Deposits skipped, transfers halted")
	default:
		report.Errors = append(report.Errors, fmt.Errorf("deposits: %w", err))
		s.logger.Error().Err(err).Msg("Deposit processing failed")
	}
}

// LastTickTime reads the persisted time of the last completed tick.
func LastTickTime(ctx context.Context, st store.LedgerStore) (time.Time, bool, error) {
	v, ok, err := st.GetState(ctx, stateLastTick)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last tick time: %w", err)
	}
	return t, true, nil
}
