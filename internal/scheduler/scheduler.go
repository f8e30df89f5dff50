// Package scheduler owns one recurring check task per schedulable
// portfolio plus a global reconciliation loop that keeps the task set in
// sync with portfolio configuration. Each tick decides whether the
// time-based or the threshold-based condition is met and hands the actual
// work to the orchestrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
	"github.com/folioworks/rebalancer/internal/orchestrator"
	"github.com/robfig/cron/v3"
)

const _reconcileSpec = "@every 1m"

// ErrAlreadyRunning is returned when a trigger arrives for a portfolio
// whose cycle is still in flight. Triggers are coalesced, never raced.
var ErrAlreadyRunning = errors.New("rebalance already running for portfolio")

var ErrNotRunning = errors.New("scheduler is not running")

// Store is the persistence surface the scheduler needs.
type Store interface {
	GetPortfolio(ctx context.Context, id int64) (model.Portfolio, error)
	ListSchedulable(ctx context.Context) ([]model.Portfolio, error)
	UpdateRebalanceTimes(ctx context.Context, id int64, last time.Time, next *time.Time) error
	AddFeesPaid(ctx context.Context, id int64, fees float64) error
	AppendHistory(ctx context.Context, rec model.RebalanceHistoryRecord) error
}

// Rebalancer runs cycles and values holdings. Satisfied by the orchestrator.
type Rebalancer interface {
	Rebalance(ctx context.Context, p model.Portfolio, opts orchestrator.Options) model.RebalanceResult
	Snapshot(ctx context.Context, p model.Portfolio) (model.PortfolioValue, error)
}

type task struct {
	portfolioID int64
	frequency   time.Duration
	stop        chan struct{}
	done        chan struct{}
}

type Scheduler struct {
	store      Store
	rebalancer Rebalancer
	logger     logger.Logger
	now        func() time.Time

	cron *cron.Cron

	dryRun bool // scheduled cycles submit validate-only orders

	mu       sync.Mutex
	running  bool
	tasks    map[int64]*task
	inFlight map[int64]bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(store Store, rebalancer Rebalancer, logger logger.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		rebalancer: rebalancer,
		logger:     logger,
		now:        time.Now,
		tasks:      make(map[int64]*task),
		inFlight:   make(map[int64]bool),
	}
}

// SetDryRun switches all scheduled cycles to validate-only orders.
// Call before Start.
func (s *Scheduler) SetDryRun(dryRun bool) {
	s.dryRun = dryRun
}

// Start launches the global monitor. It is the caller's responsibility to
// call Stop; nothing starts implicitly.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.baseCtx, s.cancelBase = context.WithCancel(ctx)
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(_reconcileSpec, func() { s.Reconcile(s.baseCtx) }); err != nil {
		return fmt.Errorf("%w: can't register reconcile loop", err)
	}
	s.cron.Start()
	s.running = true

	// reconcile immediately rather than waiting for the first tick
	go s.Reconcile(s.baseCtx)

	s.logger.Infof("scheduler started")
	return nil
}

// Stop halts the monitor and all per-portfolio tasks. In-flight cycles
// complete naturally; they are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cronStop := s.cron.Stop()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[int64]*task)
	s.cancelBase()
	s.mu.Unlock()

	<-cronStop.Done()
	for _, t := range tasks {
		close(t.stop)
		<-t.done
	}
	s.logger.Infof("scheduler stopped")
}

// Reconcile aligns the running task set with the portfolios currently
// eligible for scheduling: new tasks are created, tasks whose frequency
// changed are recreated, tasks for no-longer-eligible portfolios are torn
// down.
func (s *Scheduler) Reconcile(ctx context.Context) {
	portfolios, err := s.store.ListSchedulable(ctx)
	if err != nil {
		s.logger.Errorf("%s: can't list schedulable portfolios", err)
		return
	}

	want := make(map[int64]time.Duration, len(portfolios))
	for _, p := range portfolios {
		want[p.ID] = FrequencyInterval(p.CheckFrequency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	for id, t := range s.tasks {
		freq, ok := want[id]
		if ok && freq == t.frequency {
			continue
		}
		close(t.stop)
		delete(s.tasks, id)
		if !ok {
			s.logger.Infof("portfolio %d no longer schedulable, task removed", id)
		} else {
			s.logger.Infof("portfolio %d frequency changed, task recreated", id)
		}
	}

	for id, freq := range want {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		t := &task{
			portfolioID: id,
			frequency:   freq,
			stop:        make(chan struct{}),
			done:        make(chan struct{}),
		}
		s.tasks[id] = t
		go s.runTask(t)
		s.logger.Infof("portfolio %d scheduled every %s", id, freq)
	}
}

func (s *Scheduler) runTask(t *task) {
	defer close(t.done)
	ticker := time.NewTicker(t.frequency)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.check(s.baseCtx, t.portfolioID)
		}
	}
}

// TriggerPortfolioCheck is the manual entry point exposed over HTTP. It is
// idempotent: a portfolio whose cycle is mid-flight reports
// ErrAlreadyRunning instead of starting a second cycle.
func (s *Scheduler) TriggerPortfolioCheck(ctx context.Context, portfolioID int64, dryRun bool) (model.RebalanceResult, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return model.RebalanceResult{}, ErrNotRunning
	}

	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return model.RebalanceResult{}, err
	}

	res, err := s.runCycle(ctx, p, model.TriggerManual, dryRun)
	if err != nil {
		return model.RebalanceResult{}, err
	}
	return res, nil
}

// check is one scheduled tick for one portfolio.
func (s *Scheduler) check(ctx context.Context, portfolioID int64) {
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		s.logger.Errorf("%s: can't load portfolio %d for check", err, portfolioID)
		return
	}

	if p.RebalanceEnabled && s.timeDue(p) {
		res, err := s.runCycle(ctx, p, model.TriggerScheduler, s.dryRun)
		if err != nil {
			if !errors.Is(err, ErrAlreadyRunning) {
				s.logger.Errorf("%s: time-based rebalance failed for portfolio %d", err, p.ID)
			}
			return
		}
		if res.Success {
			now := s.now()
			next := now.Add(RebalanceIntervalDuration(p.RebalanceInterval))
			if err := s.store.UpdateRebalanceTimes(ctx, p.ID, now, &next); err != nil {
				s.logger.Errorf("%s: can't update rebalance times for portfolio %d", err, p.ID)
			}
		}
		return
	}

	if p.ThresholdEnabled {
		due, maxDev, err := s.thresholdDue(ctx, p)
		if err != nil {
			s.logger.Errorf("%s: threshold check failed for portfolio %d", err, p.ID)
			return
		}
		if !due {
			return
		}
		s.logger.Infof("portfolio %d deviation %.2f%% exceeds threshold %.2f%%, rebalancing",
			p.ID, maxDev, p.ThresholdPercent)
		if _, err := s.runCycle(ctx, p, model.TriggerThreshold, s.dryRun); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Errorf("%s: threshold rebalance failed for portfolio %d", err, p.ID)
		}
	}
}

// timeDue: due when nextRebalanceAt is unset or has passed.
func (s *Scheduler) timeDue(p model.Portfolio) bool {
	return p.NextRebalanceAt == nil || !s.now().Before(*p.NextRebalanceAt)
}

// thresholdDue computes per-asset deviation against every target symbol,
// including targets with zero balance, and reports the largest.
func (s *Scheduler) thresholdDue(ctx context.Context, p model.Portfolio) (bool, float64, error) {
	if p.ThresholdPercent <= 0 {
		return false, 0, nil
	}

	pv, err := s.rebalancer.Snapshot(ctx, p)
	if err != nil {
		return false, 0, err
	}
	if pv.TotalValue <= 0 {
		return false, 0, nil
	}

	currentPct := make(map[string]float64, len(pv.Holdings))
	for _, h := range pv.Holdings {
		currentPct[h.Symbol] = h.PercentOfTotal
	}

	var maxDev float64
	for symbol, targetPct := range p.TargetWeights {
		dev := math.Abs(currentPct[symbol] - targetPct)
		if dev > maxDev {
			maxDev = dev
		}
	}

	return maxDev >= p.ThresholdPercent, maxDev, nil
}

// runCycle executes one orchestrator cycle under the per-portfolio
// in-flight gate and persists the outcome.
func (s *Scheduler) runCycle(ctx context.Context, p model.Portfolio, trigger model.TriggerSource, dryRun bool) (model.RebalanceResult, error) {
	s.mu.Lock()
	if s.inFlight[p.ID] {
		s.mu.Unlock()
		s.logger.Warnf("portfolio %d trigger (%s) coalesced: cycle in flight", p.ID, trigger)
		return model.RebalanceResult{}, fmt.Errorf("%w: id %d", ErrAlreadyRunning, p.ID)
	}
	s.inFlight[p.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, p.ID)
		s.mu.Unlock()
	}()

	res := s.rebalancer.Rebalance(ctx, p, orchestrator.Options{Trigger: trigger, DryRun: dryRun})

	// every cycle leaves an audit record, whatever the outcome
	if err := s.store.AppendHistory(ctx, res.HistoryRecord(trigger)); err != nil {
		s.logger.Errorf("%s: can't write history for portfolio %d", err, p.ID)
	}

	if res.Success && !res.DryRun {
		if err := s.store.AddFeesPaid(ctx, p.ID, res.TotalFees); err != nil {
			s.logger.Errorf("%s: can't accumulate fees for portfolio %d", err, p.ID)
		}
	}

	return res, nil
}

// FrequencyInterval maps the configured check frequency to a tick
// interval. Deliberately a plain mapping, independent of any scheduling
// library's string syntax.
func FrequencyInterval(f model.CheckFrequency) time.Duration {
	switch f {
	case model.Every5Min:
		return 5 * time.Minute
	case model.Every30Min:
		return 30 * time.Minute
	case model.Hourly:
		return time.Hour
	case model.Every2H:
		return 2 * time.Hour
	case model.Every4H:
		return 4 * time.Hour
	case model.Daily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// RebalanceIntervalDuration maps the time-based rebalance interval to the
// gap until the next run.
func RebalanceIntervalDuration(i model.RebalanceInterval) time.Duration {
	switch i {
	case model.IntervalHourly:
		return time.Hour
	case model.IntervalDaily:
		return 24 * time.Hour
	case model.IntervalWeekly:
		return 7 * 24 * time.Hour
	case model.IntervalMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
