package service

import (
	"context"
	"time"
)

// ObservationHooks captures optional callbacks around a background job run
// (the Pool Controller's reconcile/reclaim-idle ticks, the Expiry Reaper's
// sweep). Either field may be nil.
type ObservationHooks struct {
	OnStart    func(ctx context.Context, meta map[string]string)
	OnComplete func(ctx context.Context, meta map[string]string, err error, duration time.Duration)
}

// NoopObservationHooks is the zero value, usable as an explicit default.
var NoopObservationHooks = ObservationHooks{}

// StartObservation triggers OnStart and returns a completion callback that
// triggers OnComplete with the elapsed duration and the run's error, if any.
func StartObservation(ctx context.Context, hooks ObservationHooks, meta map[string]string) func(error) {
	if hooks.OnStart != nil {
		hooks.OnStart(ctx, meta)
	}
	start := time.Now()
	return func(err error) {
		if hooks.OnComplete != nil {
			hooks.OnComplete(ctx, meta, err, time.Since(start))
		}
	}
}
