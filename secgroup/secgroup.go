// Package secgroup implements the per-runner Security-Group Manager (C3):
// one SG per runner, the user's IP admitted on port 3000 at claim, and
// reference-counted garbage collection at termination.
package secgroup

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/storage"
)

const claimPort = 3000

// Manager owns SG creation, per-runner association, and GC (C3).
type Manager struct {
	store  storage.CatalogStore
	driver clouddriver.Driver
	logger *logging.Logger
}

// New constructs a Manager.
func New(store storage.CatalogStore, driver clouddriver.Driver, logger *logging.Logger) *Manager {
	return &Manager{store: store, driver: driver, logger: logger}
}

// CreateForRunner provisions a new security group for a runner, associates
// it, and returns the record. Called once per runner by the Allocator's
// launch step, before the cloud instance is created in that group (§4.4).
func (m *Manager) CreateForRunner(ctx context.Context, runnerID, connectorID string) (*catalog.SecurityGroup, error) {
	name := fmt.Sprintf("runner-%s", runnerID)
	groupID, err := m.driver.CreateSecurityGroup(ctx, name, "per-runner security group")
	if err != nil {
		return nil, err
	}

	sg := &catalog.SecurityGroup{
		ID:               uuid.NewString(),
		CloudGroupID:     groupID,
		CloudConnectorID: connectorID,
		Status:           catalog.SecurityGroupActive,
	}
	if err := m.store.CreateSecurityGroup(ctx, sg); err != nil {
		return nil, err
	}
	if err := m.store.AssociateRunnerSecurityGroup(ctx, runnerID, sg.ID); err != nil {
		return nil, err
	}
	return sg, nil
}

// AdmitUserIP authorizes userIP on the claim port (3000) for every security
// group associated with runnerID, run at claim time once user_ip is known
// (§4.4 claim, C3 responsibility table).
func (m *Manager) AdmitUserIP(ctx context.Context, runnerID, userIP string) error {
	groups, err := m.store.SecurityGroupsForRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	rule := clouddriver.IngressRule{Protocol: "tcp", FromPort: claimPort, ToPort: claimPort, CIDR: userIP + "/32"}
	for _, sg := range groups {
		if err := m.driver.AuthorizeIngress(ctx, sg.CloudGroupID, rule); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseForRunner drops runnerID's association with each of its security
// groups and deletes any group that reaches zero remaining references,
// called from the Termination Pipeline after the cloud instance is
// confirmed terminated (§4.6, C7). One group's failure does not stop GC of
// the others; every failure is accumulated and returned together so the
// caller can decide whether to retry.
func (m *Manager) ReleaseForRunner(ctx context.Context, runnerID string) error {
	groups, err := m.store.SecurityGroupsForRunner(ctx, runnerID)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, sg := range groups {
		if err := m.releaseGroup(ctx, runnerID, sg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) releaseGroup(ctx context.Context, runnerID string, sg *catalog.SecurityGroup) error {
	if err := m.store.DisassociateRunnerSecurityGroup(ctx, runnerID, sg.ID); err != nil {
		return fmt.Errorf("disassociate %s: %w", sg.ID, err)
	}
	count, err := m.store.SecurityGroupReferenceCount(ctx, sg.ID)
	if err != nil {
		return fmt.Errorf("reference count %s: %w", sg.ID, err)
	}
	if count > 0 {
		return nil
	}
	if err := m.driver.DeleteSecurityGroup(ctx, sg.CloudGroupID); err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("secgroup: delete security group failed, marking deleted anyway")
		}
	}
	if err := m.store.MarkSecurityGroupDeleted(ctx, sg.ID); err != nil {
		return fmt.Errorf("mark deleted %s: %w", sg.ID, err)
	}
	return nil
}
