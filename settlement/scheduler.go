/*
scheduler.go - Periodic settlement scheduler

PURPOSE:
  Runs the Orchestrator for every tenant on a fixed interval, replacing
  the external cron trigger.

DESIGN:
  - Background goroutine driven by a time.Ticker
  - Runs once immediately on Start
  - Tenants are settled one after another; a failing tenant is logged and
    the loop moves on
  - Every run is recorded in settlement_runs by the Orchestrator

CONFIGURATION:
  - Interval: how often to run (default: 1 hour)
  - Enabled:  whether the scheduler starts at all (default: true)

USAGE:
  scheduler := settlement.NewScheduler(store, orchestrator, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - orchestrator.go: Run
  - api/handlers.go: RunSettlement endpoint (manual trigger)
*/
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/settlement-engine/billing"
)

// TenantLister lists the tenants to settle.
type TenantLister interface {
	Tenants(ctx context.Context) ([]billing.TenantID, error)
}

// Scheduler triggers settlement runs periodically.
type Scheduler struct {
	Tenants      TenantLister
	Orchestrator *Orchestrator
	Interval     time.Duration
	Enabled      bool

	logger *slog.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(tenants TenantLister, orchestrator *Orchestrator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Tenants:      tenants,
		Orchestrator: orchestrator,
		Interval:     time.Hour,
		Enabled:      true,
		logger:       logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker.C, s.stop)

	s.logger.Info("started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for an in-progress pass to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *Scheduler) run(ctx context.Context, tick <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(ctx)

	for {
		select {
		case <-tick:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow settles every tenant once and returns the reports of the runs that
// completed.
func (s *Scheduler) RunNow(ctx context.Context) []*RunReport {
	tenants, err := s.Tenants.Tenants(ctx)
	if err != nil {
		s.logger.Error("listing tenants", "error", err)
		return nil
	}

	var reports []*RunReport
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return reports
		}
		report, err := s.Orchestrator.Run(ctx, tenantID)
		if err != nil {
			s.logger.Error("settlement run failed", "tenant_id", tenantID, "error", err)
			continue
		}
		reports = append(reports, report)
	}

	if len(reports) > 0 {
		total := 0
		for _, r := range reports {
			total += len(r.Transactions)
		}
		s.logger.Info("pass completed", "tenants", len(reports), "transactions", total)
	}
	return reports
}
