// Package reaper implements the Expiry Reaper (C10, §4.6): a fixed-cadence
// sweep that enqueues termination for any runner whose state is not
// terminated, ready or closed and whose session has expired. Scheduling is cron-driven
// (robfig/cron/v3), the same cadence-expression idiom used by the Pool
// Controller.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/internal/service"
	"github.com/runnerforge/engine/storage"
)

// Terminator enqueues runnerID for termination with the given provenance;
// satisfied by *pipeline.Termination.
type Terminator interface {
	Run(ctx context.Context, runnerID, initiatedBy string) error
}

// Reaper periodically sweeps expired runners and hands them to the
// Termination Pipeline.
type Reaper struct {
	store      storage.Store
	terminator Terminator
	logger     *logging.Logger
	interval   time.Duration

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	Hooks service.ObservationHooks
}

// New constructs a Reaper. interval defaults to 10 minutes (§4.6).
func New(store storage.Store, terminator Terminator, logger *logging.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{
		store:      store,
		terminator: terminator,
		logger:     logger,
		interval:   interval,
		now:        time.Now,
	}
}

func (p *Reaper) Name() string { return "expiry-reaper" }

// Descriptor advertises this reaper's placement for orchestration/docs.
func (p *Reaper) Descriptor() service.Descriptor {
	base := service.Descriptor{
		Name:   "expiry-reaper",
		Domain: "runner-orchestration",
		Layer:  service.LayerBackground,
	}
	return base.WithCapabilities("reap-expired")
}

// Start registers the sweep job on its own cron entry and starts the
// scheduler. A second call while already running is a no-op.
func (p *Reaper) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", p.interval.String()), func() {
		done := service.StartObservation(ctx, p.Hooks, map[string]string{"job": "reap_expired"})
		done(p.Sweep(ctx))
	}); err != nil {
		return fmt.Errorf("reaper: schedule sweep: %w", err)
	}

	sched.Start()
	p.cron = sched
	p.running = true

	if p.logger != nil {
		p.logger.Info("expiry reaper started")
	}
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish,
// bounded by ctx.
func (p *Reaper) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	sched := p.cron
	p.cron = nil
	p.running = false
	p.mu.Unlock()

	stopped := sched.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.logger != nil {
		p.logger.Info("expiry reaper stopped")
	}
	return nil
}

// Sweep selects every runner with state outside {terminated, ready, closed}
// whose session_end has elapsed and enqueues it for termination with
// initiated_by=cleanup_job_{timestamp} (§4.6). A pre-termination history
// record captures minutes_expired.
func (p *Reaper) Sweep(ctx context.Context) error {
	now := p.now()
	expired, err := p.store.ListExpired(ctx, now)
	if err != nil {
		return err
	}

	initiatedBy := fmt.Sprintf("cleanup_job_%d", now.Unix())
	for _, r := range expired {
		p.reap(ctx, r, now, initiatedBy)
	}
	return nil
}

func (p *Reaper) reap(ctx context.Context, r *runner.Runner, now time.Time, initiatedBy string) {
	minutesExpired := int(now.Sub(r.SessionEnd).Minutes())
	if err := p.store.AppendHistory(ctx, &runner.History{
		RunnerID:  r.ID,
		EventName: runner.EventExpired,
		EventData: map[string]interface{}{"minutes_expired": minutesExpired},
		CreatedBy: initiatedBy,
	}); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("reaper: append history failed")
	}

	if err := p.terminator.Run(ctx, r.ID, initiatedBy); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("reaper: terminate failed")
	}
}
