// Package poller periodically compares the armed handles of this process
// with the Enabled definitions in storage and reports any drift. It never
// arms or disarms anything itself.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/0xPuncker/fleetcron/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Armed lists the job ids with a live handle.
type Armed interface {
	IDs() []int64
}

// Enabled lists the job ids whose stored status is Enabled.
type Enabled interface {
	ListEnabledIDs(ctx context.Context) ([]int64, error)
}

// Drift is the difference found by one check.
type Drift struct {
	// Stale handles have no Enabled definition behind them.
	Stale []int64
	// Missing definitions are Enabled but not armed here.
	Missing []int64
}

func (d Drift) Empty() bool {
	return len(d.Stale) == 0 && len(d.Missing) == 0
}

type Poller struct {
	armed    Armed
	enabled  Enabled
	metrics  *metrics.Registry
	logger   *logrus.Logger
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func New(armed Armed, enabled Enabled, reg *metrics.Registry, logger *logrus.Logger, interval time.Duration) *Poller {
	return &Poller{
		armed:    armed,
		enabled:  enabled,
		metrics:  reg,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called. A non-positive interval
// disables the poller.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Info("Drift poller disabled")
		return
	}

	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.update(ctx)
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Poller) update(ctx context.Context) {
	p.logger.Debug("Starting drift check")

	drift, err := p.Check(ctx)
	if err != nil {
		p.logger.Errorf("Failed to check job drift: %v", err)
		return
	}

	if drift.Empty() {
		p.logger.Debug("Completed drift check, no drift")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"stale":   drift.Stale,
		"missing": drift.Missing,
	}).Warn("Armed jobs differ from stored definitions")
}

// Check compares both sides once.
func (p *Poller) Check(ctx context.Context) (Drift, error) {
	ids, err := p.enabled.ListEnabledIDs(ctx)
	if err != nil {
		return Drift{}, err
	}

	enabled := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		enabled[id] = struct{}{}
	}

	var drift Drift
	armed := p.armed.IDs()
	live := make(map[int64]struct{}, len(armed))
	for _, id := range armed {
		live[id] = struct{}{}
		if _, ok := enabled[id]; !ok {
			drift.Stale = append(drift.Stale, id)
		}
	}
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			drift.Missing = append(drift.Missing, id)
		}
	}

	p.metrics.SetArmed(len(armed))
	p.metrics.SetDrift(len(drift.Stale), len(drift.Missing))
	return drift, nil
}
