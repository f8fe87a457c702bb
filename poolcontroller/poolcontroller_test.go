package poolcontroller

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/internal/engineerr"
)

type fakeStore struct {
	mu      sync.Mutex
	images  map[string]*catalog.Image
	runners map[string]*runner.Runner
}

func (s *fakeStore) ListActiveImages(ctx context.Context) ([]*catalog.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*catalog.Image
	for _, img := range s.images {
		if img.Status == catalog.ImageStatusActive {
			out = append(out, img)
		}
	}
	return out, nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*runner.Runner
	for _, r := range s.runners {
		if r.ImageID == imageID && r.State == runner.StateReady {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (s *fakeStore) ListIdleReady(ctx context.Context, before time.Time) ([]*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*runner.Runner
	for _, r := range s.runners {
		if r.State == runner.StateReady && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

// The remaining storage.Store methods are unused by the controller; stub them
// to satisfy the interface without affecting behavior under test.
func (s *fakeStore) CreateRunner(ctx context.Context, r *runner.Runner) error { return nil }
func (s *fakeStore) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	return nil, engineerr.New(engineerr.ResourceNotFound, "not found")
}
func (s *fakeStore) GetRunnerByLifecycleToken(ctx context.Context, token string) (*runner.Runner, error) {
	return nil, engineerr.New(engineerr.ResourceNotFound, "not found")
}
func (s *fakeStore) FindExistingForUser(ctx context.Context, imageID, userID string) (*runner.Runner, error) {
	return nil, nil
}
func (s *fakeStore) ClaimReadyRunner(ctx context.Context, imageID, userID, lifecycleToken string, sessionStart, sessionEnd time.Time) (*runner.Runner, error) {
	return nil, nil
}
func (s *fakeStore) ListExpired(ctx context.Context, now time.Time) ([]*runner.Runner, error) {
	return nil, nil
}
func (s *fakeStore) CompareAndSetState(ctx context.Context, id string, from, to runner.State, mutate func(*runner.Runner)) error {
	return nil
}
func (s *fakeStore) SetPublicIP(ctx context.Context, id, ip string) error            { return nil }
func (s *fakeStore) SetLifecycleToken(ctx context.Context, id, token string) error   { return nil }
func (s *fakeStore) ExtendSession(ctx context.Context, id string, m int, max time.Duration) error {
	return nil
}
func (s *fakeStore) MarkEnded(ctx context.Context, id string, endedOn time.Time) error { return nil }
func (s *fakeStore) AppendHistory(ctx context.Context, h *runner.History) error        { return nil }
func (s *fakeStore) ListHistory(ctx context.Context, runnerID string) ([]*runner.History, error) {
	return nil, nil
}
func (s *fakeStore) GetImage(ctx context.Context, id string) (*catalog.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[id], nil
}
func (s *fakeStore) GetMachine(ctx context.Context, id string) (*catalog.Machine, error) {
	return nil, nil
}
func (s *fakeStore) GetCloudConnector(ctx context.Context, id string) (*catalog.CloudConnector, error) {
	return nil, nil
}
func (s *fakeStore) GetKey(ctx context.Context, connectorID, keyDate string) (*catalog.Key, error) {
	return nil, nil
}
func (s *fakeStore) CreateKey(ctx context.Context, k *catalog.Key) error { return nil }
func (s *fakeStore) GetSecurityGroup(ctx context.Context, id string) (*catalog.SecurityGroup, error) {
	return nil, nil
}
func (s *fakeStore) CreateSecurityGroup(ctx context.Context, sg *catalog.SecurityGroup) error {
	return nil
}
func (s *fakeStore) AssociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	return nil
}
func (s *fakeStore) DisassociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	return nil
}
func (s *fakeStore) SecurityGroupsForRunner(ctx context.Context, runnerID string) ([]*catalog.SecurityGroup, error) {
	return nil, nil
}
func (s *fakeStore) SecurityGroupReferenceCount(ctx context.Context, sgID string) (int, error) {
	return 0, nil
}
func (s *fakeStore) MarkSecurityGroupDeleted(ctx context.Context, sgID string) error { return nil }

type fakeLauncher struct {
	mu    sync.Mutex
	calls []string
}

func (l *fakeLauncher) LaunchReplacement(ctx context.Context, imageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, imageID)
	return nil
}

type fakeTerminator struct {
	mu    sync.Mutex
	calls []string
}

func (t *fakeTerminator) Run(ctx context.Context, runnerID, initiatedBy string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, runnerID+"|"+initiatedBy)
	return nil
}

func (t *fakeTerminator) RunIdleReclaim(ctx context.Context, runnerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, runnerID+"|pool_controller_idle_reclaim")
	return nil
}

func TestReconcile_ScalesUpWhenBelowPoolSize(t *testing.T) {
	store := &fakeStore{
		images:  map[string]*catalog.Image{"img-1": {ID: "img-1", Status: catalog.ImageStatusActive, PoolSize: 3}},
		runners: map[string]*runner.Runner{},
	}
	launcher := &fakeLauncher{}
	terminator := &fakeTerminator{}
	c := New(store, launcher, terminator, nil, time.Minute, time.Minute)

	require.NoError(t, c.Reconcile(context.Background()))

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	require.Len(t, launcher.calls, 3)
}

func TestReconcile_ScalesDownWhenAbovePoolSize(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		images: map[string]*catalog.Image{"img-1": {ID: "img-1", Status: catalog.ImageStatusActive, PoolSize: 1}},
		runners: map[string]*runner.Runner{
			"r-1": {ID: "r-1", ImageID: "img-1", State: runner.StateReady, CreatedAt: now.Add(-2 * time.Hour)},
			"r-2": {ID: "r-2", ImageID: "img-1", State: runner.StateReady, CreatedAt: now.Add(-1 * time.Hour)},
		},
	}
	launcher := &fakeLauncher{}
	terminator := &fakeTerminator{}
	c := New(store, launcher, terminator, nil, time.Minute, time.Minute)

	require.NoError(t, c.Reconcile(context.Background()))

	terminator.mu.Lock()
	defer terminator.mu.Unlock()
	require.Len(t, terminator.calls, 1)
	require.Contains(t, terminator.calls[0], "r-1")
	require.Contains(t, terminator.calls[0], "pool_controller_scale_down")
}

func TestReclaimIdle_TerminatesRunnersPastThreshold(t *testing.T) {
	store := &fakeStore{
		images: map[string]*catalog.Image{},
		runners: map[string]*runner.Runner{
			"r-stale": {ID: "r-stale", State: runner.StateReady, UpdatedAt: time.Now().Add(-time.Hour)},
			"r-fresh": {ID: "r-fresh", State: runner.StateReady, UpdatedAt: time.Now()},
		},
	}
	launcher := &fakeLauncher{}
	terminator := &fakeTerminator{}
	c := New(store, launcher, terminator, nil, time.Minute, 10*time.Minute)

	require.NoError(t, c.ReclaimIdle(context.Background()))

	terminator.mu.Lock()
	defer terminator.mu.Unlock()
	require.Len(t, terminator.calls, 1)
	require.Contains(t, terminator.calls[0], "r-stale")
}

func TestReconcile_SkipsImagesWithNoPool(t *testing.T) {
	store := &fakeStore{
		images:  map[string]*catalog.Image{"img-1": {ID: "img-1", Status: catalog.ImageStatusActive, PoolSize: 0}},
		runners: map[string]*runner.Runner{},
	}
	launcher := &fakeLauncher{}
	terminator := &fakeTerminator{}
	c := New(store, launcher, terminator, nil, time.Minute, time.Minute)

	require.NoError(t, c.Reconcile(context.Background()))

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	require.Empty(t, launcher.calls)
}
