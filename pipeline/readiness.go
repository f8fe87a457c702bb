package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/eventbus"
	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/template"
)

const (
	assignIPMaxAttempts  = 30
	assignIPPollInterval = 2 * time.Second

	livenessProbeTimeout  = 60 * time.Second
	livenessProbeInterval = 1 * time.Second
	livenessProbeCommand  = "curl --max-time 5 localhost:3000"

	metricsAgentScript = "#!/bin/sh\nset -e\n# installs and starts the per-instance metrics agent\nsystemctl enable --now runnerforge-metrics-agent\n"
)

// Readiness drives a launched instance through wait_running → assign_ip →
// liveness_probe → bootstrap_scripts → finalize (C6, §4.2).
type Readiness struct {
	deps *Dependencies

	// Terminator is invoked when a stage fails fatally; the runner is moved
	// to `error` and handed to the Termination Pipeline (§4.2 "Failure at
	// any stage ... enqueues termination").
	Terminator func(ctx context.Context, runnerID, initiatedBy string)
}

// NewReadiness constructs a Readiness pipeline over shared Dependencies.
func NewReadiness(deps *Dependencies, terminator func(ctx context.Context, runnerID, initiatedBy string)) *Readiness {
	return &Readiness{deps: deps, Terminator: terminator}
}

// Run executes every stage for runnerID in order, transitioning it to
// ready/ready_claimed on success or error on failure.
func (p *Readiness) Run(ctx context.Context, runnerID string) error {
	r, err := p.deps.Store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}

	res, err := p.deps.resolve(ctx, r.ImageID)
	if err != nil {
		p.fail(ctx, r, err)
		return err
	}

	if err := p.waitRunning(ctx, r, res); err != nil {
		p.fail(ctx, r, err)
		return err
	}
	if err := p.assignIP(ctx, r, res); err != nil {
		p.fail(ctx, r, err)
		return err
	}
	if err := p.livenessProbe(ctx, r, res); err != nil {
		p.fail(ctx, r, err)
		return err
	}
	if err := p.bootstrapScripts(ctx, r, res); err != nil {
		p.fail(ctx, r, err)
		return err
	}
	if err := p.finalize(ctx, r); err != nil {
		p.fail(ctx, r, err)
		return err
	}
	return nil
}

func (p *Readiness) waitRunning(ctx context.Context, r *runner.Runner, res *Resolved) error {
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceStarting, nil)
	if err := p.deps.callCloudDriver(ctx, func() error {
		return res.Driver.WaitRunning(ctx, r.CloudInstanceID)
	}); err != nil {
		return engineerr.Wrap(engineerr.ProvisioningFailure, "wait_running failed", err)
	}
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceRunning, nil)
	p.deps.recordHistory(ctx, r.ID, runner.EventInstanceRunning, nil, "readiness_pipeline")
	return nil
}

func (p *Readiness) assignIP(ctx context.Context, r *runner.Runner, res *Resolved) error {
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceIPAssigning, nil)

	for attempt := 0; attempt < assignIPMaxAttempts; attempt++ {
		ip, pending, err := res.Driver.DescribeIP(ctx, r.CloudInstanceID)
		if err != nil {
			return engineerr.Wrap(engineerr.ProvisioningFailure, "assign_ip: describe ip", err)
		}
		if !pending && isValidIPv4(ip) {
			if err := p.deps.Store.SetPublicIP(ctx, r.ID, ip); err != nil {
				return err
			}
			r.PublicIP = ip
			p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceIPAssigned, map[string]interface{}{"public_ip": ip})
			p.deps.recordHistory(ctx, r.ID, runner.EventIPAssigned, map[string]interface{}{"public_ip": ip}, "readiness_pipeline")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(assignIPPollInterval):
		}
	}
	return engineerr.New(engineerr.ProvisioningFailure, "assign_ip: no valid IPv4 address after max attempts")
}

// isValidIPv4 rejects the empty string, non-IPv4 addresses, and the
// "Association" sentinel some providers return while an EIP is still
// propagating.
func isValidIPv4(ip string) bool {
	if ip == "" || ip == "Association" {
		return false
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.To4() != nil
}

func (p *Readiness) livenessProbe(ctx context.Context, r *runner.Runner, res *Resolved) error {
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceSSHWaiting, nil)

	privateKey, err := p.todaysKeyMaterial(ctx, res)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(livenessProbeTimeout)
	for {
		result, err := res.Driver.SSHRunScript(ctx, r.PublicIP, privateKey, livenessProbeCommand)
		if err == nil && result.ExitCode == 0 && strings.Contains(result.Stdout, "OK") {
			p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceSSHAvailable, nil)
			p.deps.recordHistory(ctx, r.ID, runner.EventSSHAlive, nil, "readiness_pipeline")
			return nil
		}
		if time.Now().After(deadline) {
			return engineerr.New(engineerr.ProvisioningFailure, "liveness_probe: app not responding within 60s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(livenessProbeInterval):
		}
	}
}

func (p *Readiness) bootstrapScripts(ctx context.Context, r *runner.Runner, res *Resolved) error {
	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceStartupProcStarted, nil)

	privateKey, err := p.todaysKeyMaterial(ctx, res)
	if err != nil {
		return err
	}

	vars := template.Merge(r.EnvData, nil)

	scripts := []string{metricsAgentScript}
	if res.Image.OnStartupScript != "" {
		scripts = append([]string{res.Image.OnStartupScript}, scripts...)
	}

	for _, script := range scripts {
		rendered, err := template.Render(script, vars)
		if err != nil {
			p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceStartupProcFailed, map[string]interface{}{"error": err.Error()})
			return engineerr.Wrap(engineerr.ScriptFailure, "bootstrap_scripts: render", err)
		}

		wrapped := sudoBase64Wrap(rendered)
		p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceScript, nil)
		result, err := res.Driver.SSHRunScript(ctx, r.PublicIP, privateKey, wrapped)
		if err != nil || result.ExitCode != 0 {
			p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceStartupProcFailed, map[string]interface{}{"stderr": result.Stderr})
			return engineerr.New(engineerr.ScriptFailure, fmt.Sprintf("bootstrap_scripts: script exited %d: %s", result.ExitCode, result.Stderr))
		}
	}

	p.deps.emit(ctx, r.LifecycleToken, eventbus.InstanceStartupProcComplete, nil)
	p.deps.recordHistory(ctx, r.ID, runner.EventBootstrapOK, nil, "readiness_pipeline")
	return nil
}

// WrapSudoBase64 base64-encodes script and pipes it to `sudo sh` so the
// remote shell never has to deal with quoting/escaping the original text
// (§9 "scripts are base64-wrapped and sudo-invoked"). Shared by the
// Readiness Pipeline's bootstrap stage and the Allocator's claim script.
func WrapSudoBase64(script string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	return fmt.Sprintf("echo %s | base64 -d | sudo sh", encoded)
}

func sudoBase64Wrap(script string) string { return WrapSudoBase64(script) }

func (p *Readiness) finalize(ctx context.Context, r *runner.Runner) error {
	var to runner.State
	if r.State == runner.StateRunnerStartingClaimed {
		to = runner.StateReadyClaimed
	} else {
		to = runner.StateReady
	}

	if err := p.deps.Store.CompareAndSetState(ctx, r.ID, r.State, to, nil); err != nil {
		return err
	}
	p.deps.emit(ctx, r.LifecycleToken, eventbus.RunnerReady, map[string]interface{}{"state": string(to)})
	p.deps.recordHistory(ctx, r.ID, runner.EventBootstrapOK, map[string]interface{}{"final_state": string(to)}, "readiness_pipeline")
	return nil
}

func (p *Readiness) todaysKeyMaterial(ctx context.Context, res *Resolved) (string, error) {
	key, err := p.deps.Keys.GetDailyKey(ctx, res.Connector)
	if err != nil {
		return "", err
	}
	return p.deps.Keys.Decrypt(key)
}

func (p *Readiness) fail(ctx context.Context, r *runner.Runner, cause error) {
	p.deps.emit(ctx, r.LifecycleToken, eventbus.Error, map[string]interface{}{"error": cause.Error()})
	p.deps.recordHistory(ctx, r.ID, runner.EventFatalError, map[string]interface{}{"error": cause.Error()}, "readiness_pipeline")

	if err := p.deps.Store.CompareAndSetState(ctx, r.ID, r.State, runner.StateError, nil); err != nil && p.deps.Logger != nil {
		p.deps.Logger.WithError(err).Warn("readiness: failed to transition to error")
	}
	if p.Terminator != nil {
		p.Terminator(ctx, r.ID, "readiness_pipeline_failure")
	}
}
