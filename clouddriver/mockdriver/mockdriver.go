// Package mockdriver is an in-memory clouddriver.Driver test double used by
// pipeline, allocator, and pool-controller tests in place of a real
// provider.
package mockdriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/runnerforge/engine/clouddriver"
)

// Driver is an in-memory implementation of clouddriver.Driver. Construct it
// with New: the zero value has nil instance/image/group maps, so
// CreateInstance and the other map-writing methods panic on it.
type Driver struct {
	mu sync.Mutex

	seq int64

	instances map[string]*instance
	images    map[string]bool
	groups    map[string]bool

	// IPPending, when set, makes DescribeIP report pending for one call per
	// instance before returning an address, simulating propagation delay.
	IPPending bool

	// RunScriptFunc overrides SSHRunScript's result, letting tests simulate
	// script failure for a specific instance.
	RunScriptFunc func(ip, script string) (clouddriver.SSHResult, error)

	// ValidationResult overrides ValidateAccount's result.
	ValidationResult clouddriver.AccountValidation
}

type instance struct {
	id            string
	ip            string
	ipProbed      bool
	state         string
	terminatedNow bool
}

// New constructs an empty Driver.
func New() *Driver {
	return &Driver{
		instances:        make(map[string]*instance),
		images:           make(map[string]bool),
		groups:           make(map[string]bool),
		ValidationResult: clouddriver.AccountValidation{Status: clouddriver.ValidationOK},
	}
}

func (d *Driver) next(prefix string) string {
	n := atomic.AddInt64(&d.seq, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

func (d *Driver) CreateKeypair(ctx context.Context, name string) (string, string, error) {
	return "fingerprint-" + name, "PRIVATE KEY MATERIAL FOR " + name, nil
}

func (d *Driver) DeleteKeypair(ctx context.Context, name string) error { return nil }

func (d *Driver) CreateInstance(ctx context.Context, params clouddriver.CreateInstanceParams) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next("i")
	d.instances[id] = &instance{id: id, ip: "10.0.0." + id[len(id)-1:], state: "pending"}
	return id, nil
}

func (d *Driver) WaitRunning(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[instanceID]
	if !ok {
		return fmt.Errorf("mockdriver: unknown instance %s", instanceID)
	}
	inst.state = "running"
	return nil
}

func (d *Driver) DescribeIP(ctx context.Context, instanceID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[instanceID]
	if !ok {
		return "", false, fmt.Errorf("mockdriver: unknown instance %s", instanceID)
	}
	if d.IPPending && !inst.ipProbed {
		inst.ipProbed = true
		return "", true, nil
	}
	return inst.ip, false, nil
}

func (d *Driver) StopInstance(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[instanceID]; ok {
		inst.state = "stopped"
	}
	return nil
}

func (d *Driver) StartInstance(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[instanceID]; ok {
		inst.state = "running"
	}
	return nil
}

func (d *Driver) TerminateInstance(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[instanceID]; ok {
		inst.state = "terminated"
		inst.terminatedNow = true
	}
	return nil
}

func (d *Driver) WaitTerminated(ctx context.Context, instanceID string, timeout int) (clouddriver.TerminateWaitStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[instanceID]
	if !ok || inst.state == "terminated" {
		return clouddriver.Terminated, nil
	}
	return clouddriver.StillStopping, nil
}

func (d *Driver) CreateSecurityGroup(ctx context.Context, name, description string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next("sg")
	d.groups[id] = true
	return id, nil
}

func (d *Driver) AuthorizeIngress(ctx context.Context, groupID string, rule clouddriver.IngressRule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.groups[groupID] {
		return fmt.Errorf("mockdriver: unknown security group %s", groupID)
	}
	return nil
}

func (d *Driver) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.groups, groupID)
	return nil
}

func (d *Driver) TagResource(ctx context.Context, resourceID string, tags map[string]string) error {
	return nil
}

func (d *Driver) SSHRunScript(ctx context.Context, ip, privateKey, script string) (clouddriver.SSHResult, error) {
	if d.RunScriptFunc != nil {
		return d.RunScriptFunc(ip, script)
	}
	return clouddriver.SSHResult{Stdout: "ok", ExitCode: 0}, nil
}

func (d *Driver) CreateImage(ctx context.Context, instanceID, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next("ami")
	d.images[id] = false
	return id, nil
}

func (d *Driver) DeregisterImage(ctx context.Context, imageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.images, imageID)
	return nil
}

func (d *Driver) WaitImageAvailable(ctx context.Context, imageID string, retries int, delaySeconds int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[imageID] = true
	return nil
}

func (d *Driver) ValidateAccount(ctx context.Context) (clouddriver.AccountValidation, error) {
	return d.ValidationResult, nil
}
