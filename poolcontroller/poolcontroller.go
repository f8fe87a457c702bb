// Package poolcontroller implements the Warm-Pool Controller (C9, §4.5): a
// fixed-cadence reconciliation loop that drives each active image's `ready`
// inventory toward its configured pool_size, plus a companion idle-pool
// reclamation job. Scheduling is cron-driven (robfig/cron/v3), the same
// cadence-expression idiom the pack uses for its own background jobs, rather
// than a bare ticker.
package poolcontroller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/internal/service"
	"github.com/runnerforge/engine/storage"
)

// Launcher starts an unbound runner for imageID and drives it to `ready` in
// the background; satisfied by *allocator.Allocator.
type Launcher interface {
	LaunchReplacement(ctx context.Context, imageID string) error
}

// Terminator enqueues runnerID for termination with the given provenance, or
// for idle-pool reclamation landing in `closed_pool`; satisfied by
// *pipeline.Termination.
type Terminator interface {
	Run(ctx context.Context, runnerID, initiatedBy string) error
	RunIdleReclaim(ctx context.Context, runnerID string) error
}

// Controller periodically reconciles each active image's ready inventory
// against its configured pool_size (scale-up/scale-down), and separately
// reclaims ready runners that have sat idle past idlePoolMinutes.
type Controller struct {
	store      storage.Store
	launcher   Launcher
	terminator Terminator
	logger     *logging.Logger

	reconcileInterval time.Duration
	idlePoolAge       time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	// Hooks observes each reconciliation tick; optional.
	Hooks service.ObservationHooks
}

// New constructs a Controller. reconcileInterval defaults to 10 minutes and
// idlePoolAge to idle_pool_minutes (default 10 min) per §4.5.
func New(store storage.Store, launcher Launcher, terminator Terminator, logger *logging.Logger, reconcileInterval, idlePoolAge time.Duration) *Controller {
	if reconcileInterval <= 0 {
		reconcileInterval = 10 * time.Minute
	}
	if idlePoolAge <= 0 {
		idlePoolAge = 10 * time.Minute
	}
	return &Controller{
		store:             store,
		launcher:          launcher,
		terminator:        terminator,
		logger:            logger,
		reconcileInterval: reconcileInterval,
		idlePoolAge:       idlePoolAge,
	}
}

func (c *Controller) Name() string { return "pool-controller" }

// Descriptor advertises this controller's placement for orchestration/docs.
func (c *Controller) Descriptor() service.Descriptor {
	base := service.Descriptor{
		Name:   "pool-controller",
		Domain: "runner-orchestration",
		Layer:  service.LayerBackground,
	}
	return base.WithCapabilities("reconcile-pool", "reclaim-idle")
}

// everySpec renders a duration as a robfig/cron "@every" expression.
func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d.String())
}

// Start registers the reconcile and reclaim-idle jobs on their own cron
// entries and starts the scheduler. Safe to call once; a second call while
// already running is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	sched := cron.New()
	if _, err := sched.AddFunc(everySpec(c.reconcileInterval), func() {
		done := service.StartObservation(ctx, c.Hooks, map[string]string{"job": "reconcile"})
		done(c.Reconcile(ctx))
	}); err != nil {
		return fmt.Errorf("poolcontroller: schedule reconcile: %w", err)
	}
	if _, err := sched.AddFunc(everySpec(c.idlePoolAge), func() {
		done := service.StartObservation(ctx, c.Hooks, map[string]string{"job": "reclaim_idle"})
		done(c.ReclaimIdle(ctx))
	}); err != nil {
		return fmt.Errorf("poolcontroller: schedule reclaim idle: %w", err)
	}

	sched.Start()
	c.cron = sched
	c.running = true

	if c.logger != nil {
		c.logger.Info("pool controller started")
	}
	return nil
}

// Stop halts the scheduler and waits for any in-flight job to finish,
// bounded by ctx.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	sched := c.cron
	c.cron = nil
	c.running = false
	c.mu.Unlock()

	stopped := sched.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.logger != nil {
		c.logger.Info("pool controller stopped")
	}
	return nil
}

// Reconcile drives each active image's ready inventory toward its configured
// pool_size (§4.5 scale-up/scale-down). Errors on one image are logged and do
// not stop reconciliation of the others.
func (c *Controller) Reconcile(ctx context.Context) error {
	images, err := c.store.ListActiveImages(ctx)
	if err != nil {
		return err
	}
	for _, image := range images {
		if image.PoolSize <= 0 {
			continue
		}
		if err := c.reconcileImage(ctx, image); err != nil && c.logger != nil {
			c.logger.WithError(err).Warn("pool controller: reconcile image failed")
		}
	}
	return nil
}

func (c *Controller) reconcileImage(ctx context.Context, image *catalog.Image) error {
	ready, err := c.store.CountReady(ctx, image.ID)
	if err != nil {
		return err
	}

	switch {
	case ready < image.PoolSize:
		deficit := image.PoolSize - ready
		for i := 0; i < deficit; i++ {
			if err := c.launcher.LaunchReplacement(ctx, image.ID); err != nil && c.logger != nil {
				c.logger.WithError(err).Warn("pool controller: scale-up launch failed")
			}
		}
	case ready > image.PoolSize:
		surplus := service.ClampLimit(ready-image.PoolSize, service.DefaultListLimit, service.MaxListLimit)
		stale, err := c.store.ListReadyOldestFirst(ctx, image.ID, surplus)
		if err != nil {
			return err
		}
		for _, r := range stale {
			c.scaleDown(ctx, r)
		}
	}
	return nil
}

func (c *Controller) scaleDown(ctx context.Context, r *runner.Runner) {
	if err := c.terminator.Run(ctx, r.ID, "pool_controller_scale_down"); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("pool controller: scale-down termination failed")
	}
}

// ReclaimIdle transitions `ready` runners idle past idlePoolAge to
// `closed_pool` via the Termination Pipeline (§4.5 companion job).
func (c *Controller) ReclaimIdle(ctx context.Context) error {
	idle, err := c.store.ListIdleReady(ctx, time.Now().Add(-c.idlePoolAge))
	if err != nil {
		return err
	}
	for _, r := range idle {
		if err := c.terminator.RunIdleReclaim(ctx, r.ID); err != nil && c.logger != nil {
			c.logger.WithError(err).Warn("pool controller: idle reclaim failed")
		}
	}
	return nil
}
