package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/eventbus"
)

const (
	terminateWaitTimeoutSeconds = 100
	stoppingBackoff             = 2 * time.Minute
	maxStoppingRetries          = 5
)

// Termination drives a runner through cleanup-script → stop → terminate →
// confirm (`terminated`) → metrics purge → SG GC (C7, §4.3). Re-invoking on
// an already-terminated runner is a no-op.
type Termination struct {
	deps *Dependencies
}

// NewTermination constructs a Termination pipeline over shared Dependencies.
func NewTermination(deps *Dependencies) *Termination {
	return &Termination{deps: deps}
}

// Run executes the termination steps for runnerID, finishing in
// `terminated`. initiatedBy is recorded on the terminate_started history
// event (e.g. a user request, the Expiry Reaper, or a pipeline failure).
func (p *Termination) Run(ctx context.Context, runnerID, initiatedBy string) error {
	return p.run(ctx, runnerID, initiatedBy, runner.StateTerminated)
}

// RunIdleReclaim drives the same stop/terminate/confirm chain as Run, but
// finishes in `closed_pool` instead of `terminated` (§4.5 "a ready pool
// runner closed for idleness") — the Pool Controller's idle-reclaim
// companion job uses this so a surplus warm-pool instance is distinguished
// from a user-driven or expired termination in history and final state.
func (p *Termination) RunIdleReclaim(ctx context.Context, runnerID string) error {
	return p.run(ctx, runnerID, "pool_controller_idle_reclaim", runner.StateClosedPool)
}

func (p *Termination) run(ctx context.Context, runnerID, initiatedBy string, finalState runner.State) error {
	r, err := p.deps.Store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	// A runner in `error` is still torn down: the Readiness Pipeline moves a
	// failed runner there before handing it to this pipeline.
	if r.State.IsTerminal() && r.State != runner.StateError {
		return nil
	}

	res, err := p.deps.resolve(ctx, r.ImageID)
	if err != nil {
		return err
	}

	// cleanup accumulates every best-effort step's failure (terminate
	// script, stop, metrics purge, SG GC) instead of only logging each in
	// isolation, so a single termination_failed history/log entry reflects
	// the whole run.
	var cleanup *multierror.Error

	if runner.ShouldRunTerminateScript(r.State) {
		p.runTerminateScript(ctx, r, res, &cleanup)
	}

	if err := p.transitionToTerminating(ctx, r, initiatedBy); err != nil {
		return err
	}

	p.stopInstance(ctx, r, res, &cleanup)

	if err := p.deps.Store.CompareAndSetState(ctx, r.ID, runner.StateTerminating, runner.StateClosed, nil); err != nil {
		return err
	}
	r.State = runner.StateClosed
	p.deps.recordHistory(ctx, r.ID, runner.EventStopDone, nil, initiatedBy)
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceShuttingDown, nil)

	if err := p.terminateInstance(ctx, r, res, finalState, initiatedBy); err != nil {
		return err
	}

	p.purgeMetrics(ctx, r, &cleanup)
	p.garbageCollectSecurityGroups(ctx, r, &cleanup)

	now := time.Now()
	if err := p.deps.Store.MarkEnded(ctx, r.ID, now); err != nil && p.deps.Logger != nil {
		p.deps.Logger.WithError(err).Warn("termination: mark ended failed")
	}

	if err := cleanup.ErrorOrNil(); err != nil && p.deps.Logger != nil {
		p.deps.Logger.WithError(err).Warn("termination: best-effort cleanup had failures")
	}

	return nil
}

func (p *Termination) runTerminateScript(ctx context.Context, r *runner.Runner, res *Resolved, cleanup **multierror.Error) {
	if res.Image.OnTerminateScript == "" || !r.HasPublicIP() {
		return
	}
	privateKey, err := p.deps.Keys.GetDailyKey(ctx, res.Connector)
	if err != nil {
		p.accumulate(cleanup, err, "on_terminate: load key failed")
		return
	}
	material, err := p.deps.Keys.Decrypt(privateKey)
	if err != nil {
		p.accumulate(cleanup, err, "on_terminate: decrypt key failed")
		return
	}
	if _, err := res.Driver.SSHRunScript(ctx, r.PublicIP, material, sudoBase64Wrap(res.Image.OnTerminateScript)); err != nil {
		p.accumulate(cleanup, err, "on_terminate script failed")
	}
}

func (p *Termination) transitionToTerminating(ctx context.Context, r *runner.Runner, initiatedBy string) error {
	from := r.State
	if err := p.deps.Store.CompareAndSetState(ctx, r.ID, from, runner.StateTerminating, nil); err != nil {
		return err
	}
	r.State = runner.StateTerminating
	p.deps.recordHistory(ctx, r.ID, runner.EventTerminateStarted, nil, initiatedBy)
	return nil
}

func (p *Termination) stopInstance(ctx context.Context, r *runner.Runner, res *Resolved, cleanup **multierror.Error) {
	if r.CloudInstanceID == "" {
		return
	}
	if err := p.deps.callCloudDriver(ctx, func() error {
		return res.Driver.StopInstance(ctx, r.CloudInstanceID)
	}); err != nil {
		p.accumulate(cleanup, err, "stop_instance failed, continuing to terminate")
	}
}

func (p *Termination) terminateInstance(ctx context.Context, r *runner.Runner, res *Resolved, finalState runner.State, initiatedBy string) error {
	if r.CloudInstanceID == "" {
		return p.finalize(ctx, r, finalState, initiatedBy)
	}
	if err := p.deps.callCloudDriver(ctx, func() error {
		return res.Driver.TerminateInstance(ctx, r.CloudInstanceID)
	}); err != nil {
		p.logBestEffort(err, "terminate_instance failed")
	}

	for attempt := 0; attempt < maxStoppingRetries; attempt++ {
		status, err := res.Driver.WaitTerminated(ctx, r.CloudInstanceID, terminateWaitTimeoutSeconds)
		if err != nil {
			return err
		}
		if status == clouddriver.Terminated {
			return p.finalize(ctx, r, finalState, initiatedBy)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stoppingBackoff):
		}
	}
	return p.finalize(ctx, r, finalState, initiatedBy)
}

// finalize transitions the now-stopped instance's runner record out of
// `closed` into finalState: `terminated` for a normal/expired/user-driven
// teardown, `closed_pool` for the Pool Controller's idle-reclaim path
// (§4.1, §4.5).
func (p *Termination) finalize(ctx context.Context, r *runner.Runner, finalState runner.State, initiatedBy string) error {
	if err := p.deps.Store.CompareAndSetState(ctx, r.ID, runner.StateClosed, finalState, nil); err != nil {
		return err
	}
	r.State = finalState

	event := runner.EventTerminateDone
	if finalState == runner.StateClosedPool {
		event = runner.EventReapIdle
	}
	p.deps.recordHistory(ctx, r.ID, event, nil, initiatedBy)
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceShuttingDown, map[string]interface{}{"state": string(finalState)})
	if p.deps.Bus != nil {
		p.deps.Bus.Close(r.LifecycleToken)
	}
	return nil
}

// purgeMetrics issues an HTTP DELETE against the Pushgateway job for this
// runner's IP; failures are logged but never fatal (§4.3 step 5).
func (p *Termination) purgeMetrics(ctx context.Context, r *runner.Runner, cleanup **multierror.Error) {
	if p.deps.MetricsPushgatewayURL == "" || r.PublicIP == "" {
		return
	}
	url := fmt.Sprintf("%s/metrics/job/%s", p.deps.MetricsPushgatewayURL, r.PublicIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		p.accumulate(cleanup, err, "metrics purge: build request failed")
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.accumulate(cleanup, err, "metrics purge: request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		p.accumulate(cleanup, fmt.Errorf("unexpected status %d", resp.StatusCode), "metrics purge: non-success response")
	}
}

func (p *Termination) garbageCollectSecurityGroups(ctx context.Context, r *runner.Runner, cleanup **multierror.Error) {
	if p.deps.SecGroups == nil {
		return
	}
	if err := p.deps.SecGroups.ReleaseForRunner(ctx, r.ID); err != nil {
		p.accumulate(cleanup, err, "security group GC failed")
	}
}

// accumulate logs a best-effort step's failure immediately (so it is never
// lost even if the process dies before Run returns) and folds it into the
// per-run cleanup summary.
func (p *Termination) accumulate(cleanup **multierror.Error, err error, msg string) {
	if p.deps.Logger != nil {
		p.deps.Logger.WithError(err).Warn("termination: " + msg)
	}
	*cleanup = multierror.Append(*cleanup, fmt.Errorf("%s: %w", msg, err))
}

func (p *Termination) logBestEffort(err error, msg string) {
	if p.deps.Logger != nil {
		p.deps.Logger.WithError(err).Warn("termination: " + msg)
	}
}
