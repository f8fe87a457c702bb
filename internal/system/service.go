// Package system manages the engine's background services — the Pool
// Controller and Expiry Reaper — as a single deterministic unit: start them
// together in a defined order, unwind a partial startup on failure, and stop
// them together on shutdown.
package system

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	svc "github.com/runnerforge/engine/internal/service"
)

// Service represents a lifecycle-managed background component. Both
// *poolcontroller.Controller and *reaper.Reaper satisfy this.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() svc.Descriptor
}

// StartAll starts every service in order. If one fails to start, every
// already-started service is stopped (best effort, in reverse order) before
// the error is returned, so a partial startup never leaves an orphaned
// cron job running.
func StartAll(ctx context.Context, services []Service) error {
	started := make([]Service, 0, len(services))
	for _, s := range services {
		if err := s.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("system: start %s: %w", s.Name(), err)
		}
		started = append(started, s)
	}
	return nil
}

// StopAll stops every service, collecting rather than short-circuiting on
// individual failures so one stuck service doesn't prevent the others from
// shutting down.
func StopAll(ctx context.Context, services []Service) error {
	var result *multierror.Error
	for _, s := range services {
		if err := s.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("system: stop %s: %w", s.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
