// Package keyregistry implements the per-day SSH keypair get-or-create (C2):
// one keypair per (day, cloud connector), encrypted at rest and reused by
// every instance launched that day.
package keyregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/internal/cryptoutil"
	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/storage"
)

// Registry is the key-registry implementation backing get_daily_key (§4.9).
type Registry struct {
	store  storage.CatalogStore
	driver clouddriver.Driver
	cipher *cryptoutil.Cipher
	keyTag string
	logger *logging.Logger

	// now is overridable in tests to pin the "today" used for the key date.
	now func() time.Time
}

// New constructs a Registry. keyTag is the `{tag}` suffix on
// `Keypair-YYYY-MM-DD-{tag}` names (configured per deployment).
func New(store storage.CatalogStore, driver clouddriver.Driver, cipher *cryptoutil.Cipher, keyTag string, logger *logging.Logger) *Registry {
	return &Registry{store: store, driver: driver, cipher: cipher, keyTag: keyTag, logger: logger, now: time.Now}
}

// GetDailyKey returns today's keypair for connectorID, creating it if
// absent. A provider-reported duplicate name (two callers racing to create
// the same day's key) is resolved by re-reading the store once; if the row
// is still absent after that, the caller gets the original error (§4.9).
func (r *Registry) GetDailyKey(ctx context.Context, connector *catalog.CloudConnector) (*catalog.Key, error) {
	keyDate := r.now().UTC().Format("2006-01-02")

	existing, err := r.store.GetKey(ctx, connector.ID, keyDate)
	if err == nil {
		return existing, nil
	}
	if !engineerr.Is(err, engineerr.ResourceNotFound) {
		return nil, err
	}

	created, createErr := r.createKey(ctx, connector, keyDate)
	if createErr == nil {
		return created, nil
	}

	if r.logger != nil {
		r.logger.WithError(createErr).Warn("keyregistry: create failed, re-reading for concurrent winner")
	}

	reread, rereadErr := r.store.GetKey(ctx, connector.ID, keyDate)
	if rereadErr == nil {
		return reread, nil
	}
	return nil, createErr
}

func (r *Registry) createKey(ctx context.Context, connector *catalog.CloudConnector, keyDate string) (*catalog.Key, error) {
	keyName := fmt.Sprintf("Keypair-%s-%s", keyDate, r.keyTag)

	cloudKeyID, privateMaterial, err := r.driver.CreateKeypair(ctx, keyName)
	if err != nil {
		return nil, err
	}

	encrypted, err := r.cipher.Encrypt(privateMaterial)
	if err != nil {
		return nil, fmt.Errorf("keyregistry: encrypt key material: %w", err)
	}

	key := &catalog.Key{
		ID:                uuid.NewString(),
		KeyDate:           keyDate,
		CloudConnectorID:  connector.ID,
		CloudKeyID:        cloudKeyID,
		KeyName:           keyName,
		EncryptedMaterial: encrypted,
	}
	if err := r.store.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Decrypt returns the plaintext private key material for a stored Key.
func (r *Registry) Decrypt(key *catalog.Key) (string, error) {
	return r.cipher.Decrypt(key.EncryptedMaterial)
}
