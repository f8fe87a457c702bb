// Package storage defines the Runner Store's persistence contract (C4):
// durable runner records, an append-only history log, and the catalog
// entities a runner is bound to. All mutators of Runner/History data route
// through this interface; ownership is exclusive per §3.
package storage

import (
	"context"
	"time"

	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/domain/runner"
)

// RunnerStore owns the Runner and RunnerHistory tables.
type RunnerStore interface {
	// CreateRunner inserts a new runner row in its initial state.
	CreateRunner(ctx context.Context, r *runner.Runner) error

	// GetRunner loads a runner by id.
	GetRunner(ctx context.Context, id string) (*runner.Runner, error)

	// GetRunnerByLifecycleToken loads a runner by its lifecycle token, used to
	// authorize Event Bus subscriptions (§4.7).
	GetRunnerByLifecycleToken(ctx context.Context, token string) (*runner.Runner, error)

	// FindExistingForUser returns a runner owned by userID on imageID in any
	// alive state, or nil if none exists (§4.4 step 2).
	FindExistingForUser(ctx context.Context, imageID, userID string) (*runner.Runner, error)

	// ClaimReadyRunner atomically claims one `ready` runner for imageID,
	// binding userID and lifecycleToken and transitioning to ready_claimed.
	// It implements the race-safe conditional update of §5:
	// `UPDATE ... WHERE state='ready'`. Returns (nil, nil) if no ready runner
	// was available or the race was lost.
	ClaimReadyRunner(ctx context.Context, imageID, userID, lifecycleToken string, sessionStart, sessionEnd time.Time) (*runner.Runner, error)

	// CountReady returns the number of `ready` runners for imageID (§4.5).
	CountReady(ctx context.Context, imageID string) (int, error)

	// ListReadyOldestFirst lists up to limit `ready` runners for imageID,
	// oldest-created first (§4.5 scale-down selection).
	ListReadyOldestFirst(ctx context.Context, imageID string, limit int) ([]*runner.Runner, error)

	// ListIdleReady lists `ready` runners whose updated_at is older than before
	// (§4.5 idle-pool reclamation).
	ListIdleReady(ctx context.Context, before time.Time) ([]*runner.Runner, error)

	// ListExpired lists runners with state not in {terminated, ready, closed}
	// and session_end < now (§4.6).
	ListExpired(ctx context.Context, now time.Time) ([]*runner.Runner, error)

	// CompareAndSetState performs the optimistic conditional state update of
	// §5: succeeds only if the runner's current state equals expectedFrom.
	// Returns engineerr.ConcurrencyConflict if the row was not in expectedFrom.
	CompareAndSetState(ctx context.Context, id string, expectedFrom, to runner.State, mutate func(*runner.Runner)) error

	// SetPublicIP records the assigned IP (§4.2 assign_ip).
	SetPublicIP(ctx context.Context, id, ip string) error

	// SetLifecycleToken rebinds runner id to the lifecycle token of the
	// Allocate request currently serving it (§6, §4.4 step 2 re-allocation).
	SetLifecycleToken(ctx context.Context, id, token string) error

	// ExtendSession adds extraMinutes to session_end, enforcing the 3h total cap (§6).
	ExtendSession(ctx context.Context, id string, extraMinutes int, maxTotal time.Duration) error

	// MarkEnded sets ended_on if unset (terminal transition observation, §3).
	MarkEnded(ctx context.Context, id string, endedOn time.Time) error

	// AppendHistory appends a non-blocking observation record (§3).
	AppendHistory(ctx context.Context, h *runner.History) error

	// ListHistory returns a runner's history ordered by insertion (§5).
	ListHistory(ctx context.Context, runnerID string) ([]*runner.History, error)
}

// CatalogStore owns Image, Machine, CloudConnector, Key, and SecurityGroup records.
type CatalogStore interface {
	GetImage(ctx context.Context, id string) (*catalog.Image, error)
	ListActiveImages(ctx context.Context) ([]*catalog.Image, error)

	GetMachine(ctx context.Context, id string) (*catalog.Machine, error)
	GetCloudConnector(ctx context.Context, id string) (*catalog.CloudConnector, error)

	GetKey(ctx context.Context, connectorID, keyDate string) (*catalog.Key, error)
	CreateKey(ctx context.Context, k *catalog.Key) error

	GetSecurityGroup(ctx context.Context, id string) (*catalog.SecurityGroup, error)
	CreateSecurityGroup(ctx context.Context, sg *catalog.SecurityGroup) error
	AssociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error
	DisassociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error
	SecurityGroupsForRunner(ctx context.Context, runnerID string) ([]*catalog.SecurityGroup, error)
	SecurityGroupReferenceCount(ctx context.Context, sgID string) (int, error)
	MarkSecurityGroupDeleted(ctx context.Context, sgID string) error
}

// Store composes the full persistence surface the engine depends on.
type Store interface {
	RunnerStore
	CatalogStore
}
