// Package pipeline implements the two long-running asynchronous chains of
// a runner's life: the Readiness Pipeline (C6) that brings a launched
// instance to `ready`/`ready_claimed`, and the Termination Pipeline (C7)
// that tears one down. Each chain runs its stages in order within a single
// call; stage progress is not persisted, so a run interrupted by a process
// restart is not resumed.
package pipeline

import (
	"context"
	"fmt"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/eventbus"
	"github.com/runnerforge/engine/internal/cryptoutil"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/internal/metrics"
	"github.com/runnerforge/engine/internal/resilience"
	"github.com/runnerforge/engine/keyregistry"
	"github.com/runnerforge/engine/secgroup"
	"github.com/runnerforge/engine/storage"
)

// Dependencies are the collaborators both pipelines share.
type Dependencies struct {
	Store     storage.Store
	Drivers   *clouddriver.Registry
	Cipher    *cryptoutil.Cipher
	Keys      *keyregistry.Registry
	SecGroups *secgroup.Manager
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	// Breaker guards the Cloud Driver calls most exposed to a connector
	// going reliably bad (wait_running polling, stop/terminate): once it
	// trips, callCloudDriver fails fast instead of retrying into a
	// connector that's already down. Nil disables breaking (retry only).
	Breaker *resilience.CircuitBreaker

	// MetricsPushgatewayURL is the base URL used for per-runner metrics
	// purge at termination (§4.3 step 5). Empty disables the purge.
	MetricsPushgatewayURL string
}

// callCloudDriver runs a single Cloud Driver call with exponential-backoff
// retry, additionally gated by Breaker when one is configured, generalizing
// the teacher's Neo-RPC-call retry/circuit-breaker wrapping to this engine's
// cloud-provisioning calls (§10.2).
func (d *Dependencies) callCloudDriver(ctx context.Context, fn func() error) error {
	guarded := fn
	if d.Breaker != nil {
		guarded = func() error { return d.Breaker.Execute(ctx, fn) }
	}
	return resilience.Retry(ctx, resilience.CloudDriverRetryConfig(), guarded)
}

// Resolved bundles the catalog context needed to drive a runner through
// either pipeline: its image, connector, and a ready-to-use cloud driver.
type Resolved struct {
	Image     *catalog.Image
	Connector *catalog.CloudConnector
	Driver    clouddriver.Driver
}

// Resolve exposes resolve to collaborators outside this package (the
// Allocator needs the same image/connector/driver bundle to drive a claim
// script and a cold-launch instance create).
func (d *Dependencies) Resolve(ctx context.Context, imageID string) (*Resolved, error) {
	return d.resolve(ctx, imageID)
}

func (d *Dependencies) resolve(ctx context.Context, imageID string) (*Resolved, error) {
	image, err := d.Store.GetImage(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load image: %w", err)
	}
	connector, err := d.Store.GetCloudConnector(ctx, image.CloudConnectorID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load cloud connector: %w", err)
	}

	accessKey, err := d.Cipher.Decrypt(connector.EncryptedAccessKey)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decrypt access key: %w", err)
	}
	secretKey, err := d.Cipher.Decrypt(connector.EncryptedSecretKey)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decrypt secret key: %w", err)
	}

	driver, err := d.Drivers.Build(connector.Provider, connector.Region, accessKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build cloud driver: %w", err)
	}
	return &Resolved{Image: image, Connector: connector, Driver: driver}, nil
}

// Emit exposes emit to collaborators outside this package.
func (d *Dependencies) Emit(ctx context.Context, token string, typ eventbus.Type, data map[string]interface{}) {
	d.emit(ctx, token, typ, data)
}

func (d *Dependencies) emit(ctx context.Context, token string, typ eventbus.Type, data map[string]interface{}) {
	if d.Bus == nil || token == "" {
		return
	}
	d.Bus.Publish(ctx, token, typ, data)
}

// recordHistory appends a non-blocking observation record; failures are
// logged but never propagated, matching §3's "writes are non-blocking
// observations; they never influence state".
// RecordHistory exposes recordHistory to collaborators outside this package.
func (d *Dependencies) RecordHistory(ctx context.Context, runnerID, event string, data map[string]interface{}, createdBy string) {
	d.recordHistory(ctx, runnerID, event, data, createdBy)
}

func (d *Dependencies) recordHistory(ctx context.Context, runnerID, event string, data map[string]interface{}, createdBy string) {
	if d.Store == nil {
		return
	}
	h := &runner.History{RunnerID: runnerID, EventName: event, EventData: data, CreatedBy: createdBy}
	if err := d.Store.AppendHistory(ctx, h); err != nil && d.Logger != nil {
		d.Logger.WithError(err).Warn("pipeline: append history failed")
	}
}
