// Package allocator implements the Allocation Pipeline (C8, §4.4): given a
// request for a runner on an image, it resolves to an existing runner, a
// claimed pool runner, or a freshly cold-launched one, then runs the
// claim script that moves the result into `awaiting_client`.
package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/eventbus"
	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/pipeline"
	"github.com/runnerforge/engine/template"
)

// Request is one allocation request (§4.4, §6 Allocate/AllocateAsync).
type Request struct {
	ImageID        string
	UserID         string
	SessionMinutes int
	EnvData        map[string]string
	ClientIP       string
	LifecycleToken string // optional; generated if empty
}

// Result is the outcome of a completed allocation.
type Result struct {
	RunnerID       string
	URL            string
	LifecycleToken string
}

// Allocator drives requests through existing → pool → cold-launch (§4.4).
type Allocator struct {
	deps        *pipeline.Dependencies
	readiness   *pipeline.Readiness
	termination *pipeline.Termination

	maxSessionMinutes int
	coldLaunchTimeout time.Duration

	// wg tracks in-flight background goroutines (AllocateAsync callers and
	// pool-replenishment launches) so a graceful shutdown can wait for them.
	wg sync.WaitGroup
}

// New constructs an Allocator. maxSessionMinutes enforces the request cap
// (default 180, §6 MAX_RUNNER_LIFETIME); coldLaunchTimeout bounds the
// synchronous wait for a cold launch to reach ready_claimed (default 10m,
// §5 "Cancellation").
func New(deps *pipeline.Dependencies, readiness *pipeline.Readiness, termination *pipeline.Termination, maxSessionMinutes int, coldLaunchTimeout time.Duration) *Allocator {
	return &Allocator{
		deps:              deps,
		readiness:         readiness,
		termination:       termination,
		maxSessionMinutes: maxSessionMinutes,
		coldLaunchTimeout: coldLaunchTimeout,
	}
}

// Wait blocks until all background allocations started by AllocateAsync (and
// pool-replenishment launches) have finished. Intended for graceful shutdown.
func (a *Allocator) Wait() { a.wg.Wait() }

// Allocate runs the full allocation synchronously and returns the claimed
// runner's URL. It may block for minutes on a cold launch (§6 Allocate).
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Result, error) {
	token := req.LifecycleToken
	if token == "" {
		token = uuid.NewString()
	}
	a.deps.Emit(ctx, token, eventbus.RequestReceived, nil)
	return a.run(ctx, req, token)
}

// AllocateAsync validates the request, returns a lifecycle token immediately,
// and runs the allocation in the background; progress is observable on the
// Event Bus under that token (§6 AllocateAsync).
func (a *Allocator) AllocateAsync(ctx context.Context, req Request) (string, error) {
	if err := a.validate(ctx, req); err != nil {
		return "", err
	}
	token := req.LifecycleToken
	if token == "" {
		token = uuid.NewString()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		bgCtx := context.Background()
		a.deps.Emit(bgCtx, token, eventbus.RequestReceived, nil)
		if _, err := a.run(bgCtx, req, token); err != nil {
			a.deps.Emit(bgCtx, token, eventbus.Error, map[string]interface{}{"error": err.Error()})
		}
	}()
	return token, nil
}

func (a *Allocator) validate(ctx context.Context, req Request) error {
	if req.ImageID == "" || req.UserID == "" {
		return engineerr.New(engineerr.InvalidRequest, "image_id and user_id are required")
	}
	image, err := a.deps.Store.GetImage(ctx, req.ImageID)
	if err != nil {
		return err
	}
	if !image.Eligible() {
		return engineerr.New(engineerr.InvalidRequest, "image is not active")
	}
	if req.SessionMinutes <= 0 || time.Duration(req.SessionMinutes)*time.Minute > time.Duration(a.maxSessionMinutes)*time.Minute {
		return engineerr.New(engineerr.InvalidRequest, "session_minutes exceeds the configured cap")
	}
	return nil
}

func (a *Allocator) run(ctx context.Context, req Request, token string) (*Result, error) {
	if err := a.validate(ctx, req); err != nil {
		return nil, err
	}
	a.deps.Emit(ctx, token, eventbus.RequestProcessing, nil)

	if existing, err := a.deps.Store.FindExistingForUser(ctx, req.ImageID, req.UserID); err != nil {
		return nil, err
	} else if existing != nil {
		return a.claimExisting(ctx, existing, req, token)
	}

	if claimed, err := a.deps.Store.ClaimReadyRunner(ctx, req.ImageID, req.UserID, token, time.Now(), time.Now().Add(time.Duration(req.SessionMinutes)*time.Minute)); err != nil {
		return nil, err
	} else if claimed != nil {
		return a.claimFromPool(ctx, claimed, req, token)
	}

	return a.coldLaunch(ctx, req, token)
}

func (a *Allocator) claimExisting(ctx context.Context, r *runner.Runner, req Request, token string) (*Result, error) {
	a.deps.Emit(ctx, token, eventbus.ResourceDiscovery, map[string]interface{}{"outcome": string(eventbus.DiscoveryExisting)})
	a.deps.Emit(ctx, token, eventbus.ResourceAllocation, map[string]interface{}{"outcome": string(eventbus.AllocationClaimExisting)})

	maxTotal := time.Duration(a.maxSessionMinutes) * time.Minute
	if err := a.deps.Store.ExtendSession(ctx, r.ID, req.SessionMinutes, maxTotal); err != nil {
		return nil, err
	}
	if err := a.deps.Store.SetLifecycleToken(ctx, r.ID, token); err != nil {
		return nil, err
	}
	r.LifecycleToken = token
	a.deps.RecordHistory(ctx, r.ID, runner.EventSessionExtended, map[string]interface{}{"extra_minutes": req.SessionMinutes}, req.UserID)

	if r.State != runner.StateReadyClaimed {
		return a.finalize(ctx, r, token)
	}

	res, err := a.deps.Resolve(ctx, r.ImageID)
	if err != nil {
		return nil, err
	}
	if err := a.runClaimScript(ctx, r, res); err != nil {
		return nil, err
	}
	return a.finalize(ctx, r, token)
}

func (a *Allocator) claimFromPool(ctx context.Context, r *runner.Runner, req Request, token string) (*Result, error) {
	r.LifecycleToken = token
	a.deps.Emit(ctx, token, eventbus.ResourceDiscovery, map[string]interface{}{"outcome": string(eventbus.DiscoveryPool)})
	a.deps.Emit(ctx, token, eventbus.ResourceAllocation, map[string]interface{}{"outcome": string(eventbus.AllocationClaimPool)})
	a.deps.RecordHistory(ctx, r.ID, runner.EventClaimed, nil, req.UserID)

	image, err := a.deps.Store.GetImage(ctx, req.ImageID)
	if err == nil && image.PoolSize > 0 {
		a.requestReplenishment(image)
	}

	res, err := a.deps.Resolve(ctx, r.ImageID)
	if err != nil {
		return nil, err
	}
	if err := a.runClaimScript(ctx, r, res); err != nil {
		return nil, err
	}
	return a.finalize(ctx, r, token)
}

// requestReplenishment launches one replacement `ready` runner in the
// background so claiming from the pool does not deplete it (§4.4 step 3).
func (a *Allocator) requestReplenishment(image *catalog.Image) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		bgCtx := context.Background()
		token := uuid.NewString()
		req := Request{ImageID: image.ID, SessionMinutes: a.maxSessionMinutes, LifecycleToken: token}
		if _, err := a.launchUnclaimed(bgCtx, req); err != nil && a.deps.Logger != nil {
			a.deps.Logger.WithError(err).Warn("allocator: pool replenishment launch failed")
		}
	}()
}

// launchUnclaimed starts a Readiness Pipeline for a new, unbound (`ready`
// once complete) runner and returns once the instance has been created and
// handed to the pipeline; it does not wait for readiness to finish.
func (a *Allocator) launchUnclaimed(ctx context.Context, req Request) (*runner.Runner, error) {
	r, _, err := a.launchAndDriveReadiness(ctx, req, runner.StateRunnerStarting, "")
	return r, err
}

// LaunchReplacement launches one unbound `ready` runner for imageID, with a
// session window of the allocator's maxSessionMinutes. It satisfies
// poolcontroller.Launcher (§4.5 scale-up).
func (a *Allocator) LaunchReplacement(ctx context.Context, imageID string) error {
	_, err := a.launchUnclaimed(ctx, Request{ImageID: imageID, SessionMinutes: a.maxSessionMinutes})
	return err
}

// launchAndDriveReadiness creates the runner row and its cloud instance, then
// starts the Readiness Pipeline for it in the background. The returned
// channel reports the pipeline's outcome for callers that choose to wait on
// it (bounded); callers that don't (pool replenishment) may discard it — the
// pipeline's own goroutine is tracked by a.wg regardless.
func (a *Allocator) launchAndDriveReadiness(ctx context.Context, req Request, initialState runner.State, token string) (*runner.Runner, chan error, error) {
	r, err := a.launch(ctx, req, initialState, token)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		done <- a.readiness.Run(context.Background(), r.ID)
	}()
	return r, done, nil
}

func (a *Allocator) coldLaunch(ctx context.Context, req Request, token string) (*Result, error) {
	a.deps.Emit(ctx, token, eventbus.ResourceDiscovery, map[string]interface{}{"outcome": string(eventbus.DiscoveryNone)})
	a.deps.Emit(ctx, token, eventbus.ResourceAllocation, map[string]interface{}{"outcome": string(eventbus.AllocationLaunchNew)})

	r, done, err := a.launchAndDriveReadiness(ctx, req, runner.StateRunnerStartingClaimed, token)
	if err != nil {
		return nil, err
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-time.After(a.coldLaunchTimeout):
		return nil, engineerr.New(engineerr.CloudTransient, "cold launch timed out waiting for runner to become ready; the launch continues in the background")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	current, err := a.deps.Store.GetRunner(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	res, err := a.deps.Resolve(ctx, current.ImageID)
	if err != nil {
		return nil, err
	}
	if err := a.runClaimScript(ctx, current, res); err != nil {
		return nil, err
	}
	return a.finalize(ctx, current, token)
}

// launch creates the runner row and its backing cloud instance, then
// returns immediately; the caller decides whether and how long to wait for
// the Readiness Pipeline to bring it to ready/ready_claimed.
func (a *Allocator) launch(ctx context.Context, req Request, initialState runner.State, token string) (*runner.Runner, error) {
	res, err := a.deps.Resolve(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	machine, err := a.deps.Store.GetMachine(ctx, res.Image.MachineID)
	if err != nil {
		return nil, err
	}

	runnerID := uuid.NewString()

	key, err := a.deps.Keys.GetDailyKey(ctx, res.Connector)
	if err != nil {
		return nil, err
	}

	sg, err := a.deps.SecGroups.CreateForRunner(ctx, runnerID, res.Connector.ID)
	if err != nil {
		return nil, err
	}
	if req.ClientIP != "" {
		if err := a.deps.SecGroups.AdmitUserIP(ctx, runnerID, req.ClientIP); err != nil && a.deps.Logger != nil {
			a.deps.Logger.WithError(err).Warn("allocator: admit user ip failed")
		}
	}

	instanceID, err := res.Driver.CreateInstance(ctx, clouddriver.CreateInstanceParams{
		ImageIdentifier: res.Image.Identifier,
		InstanceType:    machine.InstanceType,
		KeyName:         key.KeyName,
		SecurityGroupID: sg.CloudGroupID,
		Tags:            map[string]string{"runnerforge:runner_id": runnerID},
	})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CloudTransient, "create_instance failed", err)
	}

	r := &runner.Runner{
		ID:              runnerID,
		CloudInstanceID: instanceID,
		ImageID:         req.ImageID,
		MachineID:       machine.ID,
		KeyID:           key.ID,
		UserID:          req.UserID,
		State:           initialState,
		LifecycleToken:  token,
		SessionStart:    time.Now(),
		SessionEnd:      time.Now().Add(time.Duration(req.SessionMinutes) * time.Minute),
		EnvData:         req.EnvData,
	}
	if err := a.deps.Store.CreateRunner(ctx, r); err != nil {
		return nil, err
	}
	a.deps.RecordHistory(ctx, r.ID, runner.EventAllocated, map[string]interface{}{"state": string(initialState)}, req.UserID)
	a.deps.Emit(ctx, token, eventbus.InstanceBooting, map[string]interface{}{"instance_id": instanceID})
	return r, nil
}

// runClaimScript renders and runs the image's on_awaiting_client script over
// SSH, transitioning ready_claimed → awaiting_client on success. A script
// failure immediately terminates the runner and fails the allocation (§4.4).
func (a *Allocator) runClaimScript(ctx context.Context, r *runner.Runner, res *pipeline.Resolved) error {
	if res.Image.OnAwaitingClientScript == "" {
		if err := a.deps.Store.CompareAndSetState(ctx, r.ID, runner.StateReadyClaimed, runner.StateAwaitingClient, nil); err != nil {
			return err
		}
		r.State = runner.StateAwaitingClient
		return nil
	}

	key, err := a.deps.Keys.GetDailyKey(ctx, res.Connector)
	if err != nil {
		return a.failClaimScript(ctx, r, err)
	}
	material, err := a.deps.Keys.Decrypt(key)
	if err != nil {
		return a.failClaimScript(ctx, r, err)
	}

	vars := template.Merge(r.EnvData, nil)
	rendered, err := template.Render(res.Image.OnAwaitingClientScript, vars)
	if err != nil {
		return a.failClaimScript(ctx, r, engineerr.Wrap(engineerr.ScriptFailure, "claim script render failed", err))
	}

	result, err := res.Driver.SSHRunScript(ctx, r.PublicIP, material, pipeline.WrapSudoBase64(rendered))
	if err != nil || result.ExitCode != 0 {
		return a.failClaimScript(ctx, r, engineerr.New(engineerr.ScriptFailure, fmt.Sprintf("claim script exited %d: %s", result.ExitCode, result.Stderr)))
	}

	if err := a.deps.Store.CompareAndSetState(ctx, r.ID, runner.StateReadyClaimed, runner.StateAwaitingClient, nil); err != nil {
		return err
	}
	r.State = runner.StateAwaitingClient
	a.deps.RecordHistory(ctx, r.ID, runner.EventClaimScriptOK, nil, r.UserID)
	return nil
}

func (a *Allocator) failClaimScript(ctx context.Context, r *runner.Runner, cause error) error {
	a.deps.RecordHistory(ctx, r.ID, runner.EventFatalError, map[string]interface{}{"error": cause.Error()}, "allocator")
	a.deps.Emit(ctx, r.LifecycleToken, eventbus.Error, map[string]interface{}{"error": cause.Error()})
	if a.termination != nil {
		_ = a.termination.Run(context.Background(), r.ID, "claim_script_failure")
	}
	return cause
}

func (a *Allocator) finalize(ctx context.Context, r *runner.Runner, token string) (*Result, error) {
	a.deps.Emit(ctx, token, eventbus.SessionStatus, map[string]interface{}{"state": string(r.State)})
	return &Result{
		RunnerID:       r.ID,
		URL:            fmt.Sprintf("http://%s:3000", r.PublicIP),
		LifecycleToken: token,
	}, nil
}
