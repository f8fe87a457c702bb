package allocator

import (
	"context"
	"sort"
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
	"github.com/runnerforge/engine/pipeline"
	"github.com/runnerforge/engine/secgroup"
)

type fakeStore struct {
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

func newFakeStore() *fakeStore {
	return &fakeStore{
		runners:  make(map[string]*runner.Runner),
		images:   make(map[string]*catalog.Image),
		machines: make(map[string]*catalog.Machine),
		conns:    make(map[string]*catalog.CloudConnector),
		keys:     make(map[string]*catalog.Key),
		sgs:      make(map[string]*catalog.SecurityGroup),
		assoc:    make(map[string]map[string]bool),
	}
}

func (s *fakeStore) CreateRunner(ctx context.Context, r *runner.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.ID] = r
	return nil
}
func (s *fakeStore) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	cp := *r
	return &cp, nil
}
func (s *fakeStore) GetRunnerByLifecycleToken(ctx context.Context, token string) (*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runners {
		if r.LifecycleToken == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, engineerr.New(engineerr.ResourceNotFound, "runner not found")
}
func (s *fakeStore) FindExistingForUser(ctx context.Context, imageID, userID string) (*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runners {
		if r.ImageID == imageID && r.UserID == userID && r.State.IsAlive() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}
func (s *fakeStore) ClaimReadyRunner(ctx context.Context, imageID, userID, lifecycleToken string, sessionStart, sessionEnd time.Time) (*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*runner.Runner
	for _, r := range s.runners {
		if r.ImageID == imageID && r.State == runner.StateReady {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) == 0 {
		return nil, nil
	}
	winner := candidates[0]
	winner.State = runner.StateReadyClaimed
	winner.UserID = userID
	winner.LifecycleToken = lifecycleToken
	winner.SessionStart = sessionStart
	winner.SessionEnd = sessionEnd
	cp := *winner
	return &cp, nil
}
func (s *fakeStore) CountReady(ctx context.Context, imageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runners {
		if r.ImageID == imageID && r.State == runner.StateReady {
			n++
		}
	}
	return n, nil
}
func (s *fakeStore) ListReadyOldestFirst(ctx context.Context, imageID string, limit int) ([]*runner.Runner, error) {
	return nil, nil
}
func (s *fakeStore) ListIdleReady(ctx context.Context, before time.Time) ([]*runner.Runner, error) {
	return nil, nil
}
func (s *fakeStore) ListExpired(ctx context.Context, now time.Time) ([]*runner.Runner, error) {
	return nil, nil
}
func (s *fakeStore) CompareAndSetState(ctx context.Context, id string, expectedFrom, to runner.State, mutate func(*runner.Runner)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
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
func (s *fakeStore) SetPublicIP(ctx context.Context, id, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	r.PublicIP = ip
	return nil
}
func (s *fakeStore) SetLifecycleToken(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	r.LifecycleToken = token
	return nil
}
func (s *fakeStore) ExtendSession(ctx context.Context, id string, extraMinutes int, maxTotal time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	r.SessionEnd = r.SessionEnd.Add(time.Duration(extraMinutes) * time.Minute)
	return nil
}
func (s *fakeStore) MarkEnded(ctx context.Context, id string, endedOn time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[id]; ok {
		t := endedOn
		r.EndedOn = &t
	}
	return nil
}
func (s *fakeStore) AppendHistory(ctx context.Context, h *runner.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}
func (s *fakeStore) ListHistory(ctx context.Context, runnerID string) ([]*runner.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*runner.History
	for _, h := range s.history {
		if h.RunnerID == runnerID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeStore) GetImage(ctx context.Context, id string) (*catalog.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "image not found")
	}
	return img, nil
}
func (s *fakeStore) ListActiveImages(ctx context.Context) ([]*catalog.Image, error) { return nil, nil }
func (s *fakeStore) GetMachine(ctx context.Context, id string) (*catalog.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.machines[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "machine not found")
	}
	return mc, nil
}
func (s *fakeStore) GetCloudConnector(ctx context.Context, id string) (*catalog.CloudConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "connector not found")
	}
	return c, nil
}
func (s *fakeStore) GetKey(ctx context.Context, connectorID, keyDate string) (*catalog.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[connectorID+"|"+keyDate]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "key not found")
	}
	return k, nil
}
func (s *fakeStore) CreateKey(ctx context.Context, k *catalog.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.CloudConnectorID+"|"+k.KeyDate] = k
	return nil
}
func (s *fakeStore) GetSecurityGroup(ctx context.Context, id string) (*catalog.SecurityGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.sgs[id]
	if !ok {
		return nil, engineerr.New(engineerr.ResourceNotFound, "sg not found")
	}
	return sg, nil
}
func (s *fakeStore) CreateSecurityGroup(ctx context.Context, sg *catalog.SecurityGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sgs[sg.ID] = sg
	return nil
}
func (s *fakeStore) AssociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assoc[runnerID] == nil {
		s.assoc[runnerID] = make(map[string]bool)
	}
	s.assoc[runnerID][sgID] = true
	return nil
}
func (s *fakeStore) DisassociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assoc[runnerID], sgID)
	return nil
}
func (s *fakeStore) SecurityGroupsForRunner(ctx context.Context, runnerID string) ([]*catalog.SecurityGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*catalog.SecurityGroup
	for sgID := range s.assoc[runnerID] {
		out = append(out, s.sgs[sgID])
	}
	return out, nil
}
func (s *fakeStore) SecurityGroupReferenceCount(ctx context.Context, sgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sgs := range s.assoc {
		if sgs[sgID] {
			n++
		}
	}
	return n, nil
}
func (s *fakeStore) MarkSecurityGroupDeleted(ctx context.Context, sgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sg, ok := s.sgs[sgID]; ok {
		sg.Status = catalog.SecurityGroupDeleted
	}
	return nil
}

func newHarness(t *testing.T) (*Allocator, *fakeStore, *mockdriver.Driver) {
	t.Helper()
	store := newFakeStore()

	cipher, err := cryptoutil.New("0123456789abcdef")
	require.NoError(t, err)
	encAccess, err := cipher.Encrypt("access-key")
	require.NoError(t, err)
	encSecret, err := cipher.Encrypt("secret-key")
	require.NoError(t, err)

	store.conns["conn-1"] = &catalog.CloudConnector{ID: "conn-1", Provider: "mock", Region: "us-east-1", EncryptedAccessKey: encAccess, EncryptedSecretKey: encSecret}
	store.machines["m-1"] = &catalog.Machine{ID: "m-1", InstanceType: "t3.micro"}
	store.images["img-1"] = &catalog.Image{ID: "img-1", Identifier: "ami-1", MachineID: "m-1", CloudConnectorID: "conn-1", Status: catalog.ImageStatusActive, PoolSize: 0}

	registry := clouddriver.NewRegistry()
	drv := mockdriver.New()
	drv.RunScriptFunc = func(ip, script string) (clouddriver.SSHResult, error) {
		return clouddriver.SSHResult{Stdout: "OK", ExitCode: 0}, nil
	}
	registry.Register("mock", func(region, accessKey, secretKey string) (clouddriver.Driver, error) { return drv, nil })

	keys := keyregistry.New(store, drv, cipher, "testing-key", nil)
	sgs := secgroup.New(store, drv, nil)
	bus := eventbus.New(nil)

	deps := &pipeline.Dependencies{
		Store:     store,
		Drivers:   registry,
		Cipher:    cipher,
		Keys:      keys,
		SecGroups: sgs,
		Bus:       bus,
	}
	readiness := pipeline.NewReadiness(deps, nil)
	termination := pipeline.NewTermination(deps)

	a := New(deps, readiness, termination, 180, 5*time.Second)
	return a, store, drv
}

func TestAllocate_ColdLaunchReachesAwaitingClient(t *testing.T) {
	a, store, _ := newHarness(t)

	result, err := a.Allocate(context.Background(), Request{ImageID: "img-1", UserID: "user-1", SessionMinutes: 60})
	require.NoError(t, err)
	require.NotEmpty(t, result.RunnerID)

	got, err := store.GetRunner(context.Background(), result.RunnerID)
	require.NoError(t, err)
	require.Equal(t, runner.StateAwaitingClient, got.State)
}

func TestAllocate_ClaimsFromPoolAndReplenishes(t *testing.T) {
	a, store, _ := newHarness(t)
	store.images["img-1"].PoolSize = 1

	store.runners["r-ready"] = &runner.Runner{
		ID: "r-ready", ImageID: "img-1", MachineID: "m-1", State: runner.StateReady,
		PublicIP: "10.0.0.9", CreatedAt: time.Now().Add(-time.Hour),
	}

	result, err := a.Allocate(context.Background(), Request{ImageID: "img-1", UserID: "user-2", SessionMinutes: 30})
	require.NoError(t, err)
	require.Equal(t, "r-ready", result.RunnerID)

	got, err := store.GetRunner(context.Background(), "r-ready")
	require.NoError(t, err)
	require.Equal(t, runner.StateAwaitingClient, got.State)
	require.Equal(t, "user-2", got.UserID)
	require.Equal(t, result.LifecycleToken, got.LifecycleToken, "claimed runner's stored lifecycle_token must match the one handed back to the caller")

	a.Wait()

	store.mu.Lock()
	count := 0
	for _, r := range store.runners {
		if r.ID != "r-ready" {
			count++
		}
	}
	store.mu.Unlock()
	require.Equal(t, 1, count, "expected one replenishment runner to have been launched")
}

func TestAllocate_ReclaimsExistingRunnerWithFreshLifecycleToken(t *testing.T) {
	a, store, _ := newHarness(t)

	store.runners["r-active"] = &runner.Runner{
		ID: "r-active", ImageID: "img-1", UserID: "user-3", State: runner.StateActive,
		LifecycleToken: "stale-token", SessionStart: time.Now(), SessionEnd: time.Now().Add(30 * time.Minute),
	}

	result, err := a.Allocate(context.Background(), Request{ImageID: "img-1", UserID: "user-3", SessionMinutes: 30})
	require.NoError(t, err)
	require.Equal(t, "r-active", result.RunnerID)
	require.NotEqual(t, "stale-token", result.LifecycleToken)

	got, err := store.GetRunner(context.Background(), "r-active")
	require.NoError(t, err)
	require.Equal(t, result.LifecycleToken, got.LifecycleToken, "re-allocating an existing runner must persist the new request's lifecycle_token")
}

func TestAllocate_RejectsInactiveImage(t *testing.T) {
	a, store, _ := newHarness(t)
	store.images["img-1"].Status = catalog.ImageStatusInactive

	_, err := a.Allocate(context.Background(), Request{ImageID: "img-1", UserID: "user-1", SessionMinutes: 30})
	require.Error(t, err)
	require.True(t, engineerr.Is(err, engineerr.InvalidRequest))
}

func TestAllocate_RejectsSessionOverCap(t *testing.T) {
	a, _, _ := newHarness(t)

	_, err := a.Allocate(context.Background(), Request{ImageID: "img-1", UserID: "user-1", SessionMinutes: 999})
	require.Error(t, err)
	require.True(t, engineerr.Is(err, engineerr.InvalidRequest))
}

func TestAllocateAsync_ReturnsTokenImmediatelyAndCompletesInBackground(t *testing.T) {
	a, store, _ := newHarness(t)

	token, err := a.AllocateAsync(context.Background(), Request{ImageID: "img-1", UserID: "user-3", SessionMinutes: 45})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	a.Wait()

	got, err := store.GetRunnerByLifecycleToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, runner.StateAwaitingClient, got.State)
}
