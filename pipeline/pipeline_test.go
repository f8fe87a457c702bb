package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/clouddriver/mockdriver"
	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/eventbus"
	"github.com/runnerforge/engine/internal/cryptoutil"
	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/keyregistry"
	"github.com/runnerforge/engine/secgroup"
)

// memStore is a minimal in-memory storage.Store used to exercise the
// pipelines end to end without a real database.
type memStore struct {
	mu       sync.Mutex
	runners  map[string]*runner.Runner
	history  []*runner.History
	images   map[string]*catalog.Image
	machines map[string]*catalog.Machine
	conns    map[string]*catalog.CloudConnector
	keys     map[string]*catalog.Key
	sgs      map[string]*catalog.SecurityGroup
	assoc    map[string]map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		runners:  make(map[string]*runner.Runner),
		images:   make(map[string]*catalog.Image),
		machines: make(map[string]*catalog.Machine),
		conns:    make(map[string]*catalog.CloudConnector),
		keys:     make(map[string]*catalog.Key),
		sgs:      make(map[string]*catalog.SecurityGroup),
		assoc:    make(map[string]map[string]bool),
	}
}

func (m *memStore) CreateRunner(ctx context.Context, r *runner.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[r.ID] = r
	return nil
}
func (m *memStore) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	cp := *r
	return &cp, nil
}
func (m *memStore) GetRunnerByLifecycleToken(ctx context.Context, token string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.LifecycleToken == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, engineerr.New(engineerr.ResourceNotFound, "runner not found")
}
func (m *memStore) FindExistingForUser(ctx context.Context, imageID, userID string) (*runner.Runner, error) {
	return nil, nil
}
func (m *memStore) ClaimReadyRunner(ctx context.Context, imageID, userID, lifecycleToken string, sessionStart, sessionEnd time.Time) (*runner.Runner, error) {
	return nil, nil
}
func (m *memStore) CountReady(ctx context.Context, imageID string) (int, error) { return 0, nil }
func (m *memStore) ListReadyOldestFirst(ctx context.Context, imageID string, limit int) ([]*runner.Runner, error) {
	return nil, nil
}
func (m *memStore) ListIdleReady(ctx context.Context, before time.Time) ([]*runner.Runner, error) {
	return nil, nil
}
func (m *memStore) ListExpired(ctx context.Context, now time.Time) ([]*runner.Runner, error) {
	return nil, nil
}
func (m *memStore) CompareAndSetState(ctx context.Context, id string, expectedFrom, to runner.State, mutate func(*runner.Runner)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	if r.State != expectedFrom {
		return engineerr.New(engineerr.ConcurrencyConflict, "state mismatch")
	}
	if mutate != nil {
		mutate(r)
	}
	r.State = to
	return nil
}
func (m *memStore) SetPublicIP(ctx context.Context, id, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	r.PublicIP = ip
	return nil
}
func (m *memStore) SetLifecycleToken(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	r.LifecycleToken = token
	return nil
}
func (m *memStore) ExtendSession(ctx context.Context, id string, extraMinutes int, maxTotal time.Duration) error {
	return nil
}
func (m *memStore) MarkEnded(ctx context.Context, id string, endedOn time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[id]; ok {
		t := endedOn
		r.EndedOn = &t
	}
	return nil
}
func (m *memStore) AppendHistory(ctx context.Context, h *runner.History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}
func (m *memStore) ListHistory(ctx context.Context, runnerID string) ([]*runner.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*runner.History
	for _, h := range m.history {
		if h.RunnerID == runnerID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) GetImage(ctx context.Context, id string) (*catalog.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "image not found")
	}
	return img, nil
}
func (m *memStore) ListActiveImages(ctx context.Context) ([]*catalog.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*catalog.Image
	for _, img := range m.images {
		if img.Status == catalog.ImageStatusActive {
			out = append(out, img)
		}
	}
	return out, nil
}
func (m *memStore) GetMachine(ctx context.Context, id string) (*catalog.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "machine not found")
	}
	return mc, nil
}
func (m *memStore) GetCloudConnector(ctx context.Context, id string) (*catalog.CloudConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "connector not found")
	}
	return c, nil
}
func (m *memStore) GetKey(ctx context.Context, connectorID, keyDate string) (*catalog.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[connectorID+"|"+keyDate]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "key not found")
	}
	return k, nil
}
func (m *memStore) CreateKey(ctx context.Context, k *catalog.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.CloudConnectorID+"|"+k.KeyDate] = k
	return nil
}
func (m *memStore) GetSecurityGroup(ctx context.Context, id string) (*catalog.SecurityGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sg, ok := m.sgs[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "sg not found")
	}
	return sg, nil
}
func (m *memStore) CreateSecurityGroup(ctx context.Context, sg *catalog.SecurityGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sgs[sg.ID] = sg
	return nil
}
func (m *memStore) AssociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assoc[runnerID] == nil {
		m.assoc[runnerID] = make(map[string]bool)
	}
	m.assoc[runnerID][sgID] = true
	return nil
}
func (m *memStore) DisassociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assoc[runnerID], sgID)
	return nil
}
func (m *memStore) SecurityGroupsForRunner(ctx context.Context, runnerID string) ([]*catalog.SecurityGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*catalog.SecurityGroup
	for sgID := range m.assoc[runnerID] {
		out = append(out, m.sgs[sgID])
	}
	return out, nil
}
func (m *memStore) SecurityGroupReferenceCount(ctx context.Context, sgID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sgs := range m.assoc {
		if sgs[sgID] {
			n++
		}
	}
	return n, nil
}
func (m *memStore) MarkSecurityGroupDeleted(ctx context.Context, sgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sg, ok := m.sgs[sgID]; ok {
		sg.Status = catalog.SecurityGroupDeleted
	}
	return nil
}

func newTestDeps(t *testing.T) (*Dependencies, *memStore) {
	t.Helper()
	store := newMemStore()

	cipher, err := cryptoutil.New("0123456789abcdef")
	require.NoError(t, err)

	encAccess, err := cipher.Encrypt("access-key")
	require.NoError(t, err)
	encSecret, err := cipher.Encrypt("secret-key")
	require.NoError(t, err)

	store.conns["conn-1"] = &catalog.CloudConnector{ID: "conn-1", Provider: "mock", Region: "us-east-1", EncryptedAccessKey: encAccess, EncryptedSecretKey: encSecret}
	store.machines["m-1"] = &catalog.Machine{ID: "m-1", InstanceType: "t3.micro"}
	store.images["img-1"] = &catalog.Image{ID: "img-1", Identifier: "ami-1", MachineID: "m-1", CloudConnectorID: "conn-1", Status: catalog.ImageStatusActive, PoolSize: 1}

	registry := clouddriver.NewRegistry()
	drv := mockdriver.New()
	registry.Register("mock", func(region, accessKey, secretKey string) (clouddriver.Driver, error) { return drv, nil })

	keys := keyregistry.New(store, drv, cipher, "testing-key", nil)
	sgs := secgroup.New(store, drv, nil)
	bus := eventbus.New(nil)

	deps := &Dependencies{
		Store:     store,
		Drivers:   registry,
		Cipher:    cipher,
		Keys:      keys,
		SecGroups: sgs,
		Bus:       bus,
	}
	return deps, store
}

func TestReadinessPipeline_BringsRunnerToReadyClaimed(t *testing.T) {
	deps, store := newTestDeps(t)

	res, err := deps.resolve(context.Background(), "img-1")
	require.NoError(t, err)
	md := res.Driver.(*mockdriver.Driver)
	md.RunScriptFunc = func(ip, script string) (clouddriver.SSHResult, error) {
		return clouddriver.SSHResult{Stdout: "OK", ExitCode: 0}, nil
	}
	instanceID, err := md.CreateInstance(context.Background(), clouddriver.CreateInstanceParams{})
	require.NoError(t, err)

	r := &runner.Runner{
		ID: "r-1", ImageID: "img-1", MachineID: "m-1", CloudInstanceID: instanceID,
		State: runner.StateRunnerStartingClaimed, LifecycleToken: "tok-1", UserID: "user-1",
		EnvData: map[string]string{},
	}
	require.NoError(t, store.CreateRunner(context.Background(), r))

	readiness := NewReadiness(deps, nil)
	err = readiness.Run(context.Background(), r.ID)
	require.NoError(t, err)

	got, err := store.GetRunner(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, runner.StateReadyClaimed, got.State)
	require.True(t, got.HasPublicIP())
}

func TestTerminationPipeline_IsIdempotentOnTerminatedRunner(t *testing.T) {
	deps, store := newTestDeps(t)
	r := &runner.Runner{ID: "r-2", ImageID: "img-1", State: runner.StateTerminated, LifecycleToken: "tok-2"}
	require.NoError(t, store.CreateRunner(context.Background(), r))

	term := NewTermination(deps)
	err := term.Run(context.Background(), r.ID, "test")
	require.NoError(t, err)
}

func TestTerminationPipeline_StopsAndTerminates(t *testing.T) {
	deps, store := newTestDeps(t)

	res, err := deps.resolve(context.Background(), "img-1")
	require.NoError(t, err)
	md := res.Driver.(*mockdriver.Driver)
	instanceID, err := md.CreateInstance(context.Background(), clouddriver.CreateInstanceParams{})
	require.NoError(t, err)

	r := &runner.Runner{
		ID: "r-3", ImageID: "img-1", CloudInstanceID: instanceID,
		State: runner.StateActive, LifecycleToken: "tok-3", PublicIP: "10.0.0.1",
	}
	require.NoError(t, store.CreateRunner(context.Background(), r))

	term := NewTermination(deps)
	err = term.Run(context.Background(), r.ID, "user_request")
	require.NoError(t, err)

	got, err := store.GetRunner(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, runner.StateTerminated, got.State)
	require.NotNil(t, got.EndedOn)
}

func TestTerminationPipeline_RunIdleReclaimLandsInClosedPool(t *testing.T) {
	deps, store := newTestDeps(t)

	res, err := deps.resolve(context.Background(), "img-1")
	require.NoError(t, err)
	md := res.Driver.(*mockdriver.Driver)
	instanceID, err := md.CreateInstance(context.Background(), clouddriver.CreateInstanceParams{})
	require.NoError(t, err)

	r := &runner.Runner{
		ID: "r-4", ImageID: "img-1", CloudInstanceID: instanceID,
		State: runner.StateReady, LifecycleToken: "tok-4",
	}
	require.NoError(t, store.CreateRunner(context.Background(), r))

	term := NewTermination(deps)
	err = term.RunIdleReclaim(context.Background(), r.ID)
	require.NoError(t, err)

	got, err := store.GetRunner(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, runner.StateClosedPool, got.State)
	require.NotNil(t, got.EndedOn)

	found := false
	for _, h := range store.history {
		if h.RunnerID == r.ID && h.EventName == runner.EventReapIdle {
			found = true
		}
	}
	require.True(t, found, "expected a %s history record", runner.EventReapIdle)
}

func TestTerminationPipeline_RunIdleReclaimIsIdempotentOnClosedPoolRunner(t *testing.T) {
	deps, store := newTestDeps(t)
	r := &runner.Runner{ID: "r-5", ImageID: "img-1", State: runner.StateClosedPool, LifecycleToken: "tok-5"}
	require.NoError(t, store.CreateRunner(context.Background(), r))

	term := NewTermination(deps)
	require.NoError(t, term.RunIdleReclaim(context.Background(), r.ID))
}
