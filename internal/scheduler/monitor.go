package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/pool"
)

// Monitor periodically parks idle merge workers on their monitor
// adapter's page. Keeping a logged-in page active stops upstreams from
// expiring the session between tasks.
type Monitor struct {
	cfg    *common.Config
	pool   *pool.Pool
	cron   *cron.Cron
	logger arbor.ILogger
}

// NewMonitor creates the idle-parking scheduler.
func NewMonitor(cfg *common.Config, p *pool.Pool, logger arbor.ILogger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		pool:   p,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the cron entry and begins scheduling. Disabled
// configuration is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.cfg.Monitor.Enabled {
		m.logger.Debug().Msg("Idle monitor disabled")
		return nil
	}

	schedule := m.cfg.Monitor.Schedule
	_, err := m.cron.AddFunc(schedule, func() {
		m.parkIdleWorkers(ctx)
	})
	if err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info().Str("schedule", schedule).Msg("Idle monitor started")
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (m *Monitor) Stop() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
}

// parkIdleWorkers walks the pool once. Busy or single workers are
// skipped inside NavigateToMonitor.
func (m *Monitor) parkIdleWorkers(ctx context.Context) {
	for _, w := range m.pool.Workers() {
		if err := w.NavigateToMonitor(ctx); err != nil {
			m.logger.Warn().Str("worker", w.Name).Err(err).Msg("Monitor navigation failed")
		}
	}
}
