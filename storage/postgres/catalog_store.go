package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runnerforge/engine/domain/catalog"
	"github.com/runnerforge/engine/internal/engineerr"
)

type imageRow struct {
	ID                     string    `db:"id"`
	Identifier             string    `db:"identifier"`
	MachineID              string    `db:"machine_id"`
	CloudConnectorID       string    `db:"cloud_connector_id"`
	PoolSize               int       `db:"pool_size"`
	Status                 string    `db:"status"`
	Tags                   []byte    `db:"tags"`
	OnStartupScript        string    `db:"on_startup_script"`
	OnTerminateScript      string    `db:"on_terminate_script"`
	OnAwaitingClientScript string    `db:"on_awaiting_client_script"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (row *imageRow) toDomain() (*catalog.Image, error) {
	var tags []string
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal tags: %w", err)
		}
	}
	return &catalog.Image{
		ID:                     row.ID,
		Identifier:             row.Identifier,
		MachineID:              row.MachineID,
		CloudConnectorID:       row.CloudConnectorID,
		PoolSize:               row.PoolSize,
		Status:                 catalog.ImageStatus(row.Status),
		Tags:                   tags,
		OnStartupScript:        row.OnStartupScript,
		OnTerminateScript:      row.OnTerminateScript,
		OnAwaitingClientScript: row.OnAwaitingClientScript,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}, nil
}

func (s *Store) GetImage(ctx context.Context, id string) (*catalog.Image, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM image WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "image not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get image: %w", err)
	}
	return row.toDomain()
}

func (s *Store) ListActiveImages(ctx context.Context) ([]*catalog.Image, error) {
	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM image WHERE status = $1`, string(catalog.ImageStatusActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: list active images: %w", err)
	}
	out := make([]*catalog.Image, 0, len(rows))
	for i := range rows {
		img, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

type machineRow struct {
	ID           string `db:"id"`
	InstanceType string `db:"instance_type"`
	VCPUs        int    `db:"vcpus"`
	MemoryMB     int    `db:"memory_mb"`
}

func (s *Store) GetMachine(ctx context.Context, id string) (*catalog.Machine, error) {
	var row machineRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM machine WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "machine not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get machine: %w", err)
	}
	return &catalog.Machine{ID: row.ID, InstanceType: row.InstanceType, VCPUs: row.VCPUs, MemoryMB: row.MemoryMB}, nil
}

type cloudConnectorRow struct {
	ID                 string    `db:"id"`
	Provider           string    `db:"provider"`
	Region             string    `db:"region"`
	EncryptedAccessKey string    `db:"encrypted_access_key"`
	EncryptedSecretKey string    `db:"encrypted_secret_key"`
	CreatedAt          time.Time `db:"created_at"`
}

func (s *Store) GetCloudConnector(ctx context.Context, id string) (*catalog.CloudConnector, error) {
	var row cloudConnectorRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM cloud_connector WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "cloud connector not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get cloud connector: %w", err)
	}
	return &catalog.CloudConnector{
		ID:                 row.ID,
		Provider:           row.Provider,
		Region:             row.Region,
		EncryptedAccessKey: row.EncryptedAccessKey,
		EncryptedSecretKey: row.EncryptedSecretKey,
		CreatedAt:          row.CreatedAt,
	}, nil
}

type keyRow struct {
	ID                string    `db:"id"`
	KeyDate           string    `db:"key_date"`
	CloudConnectorID  string    `db:"cloud_connector_id"`
	CloudKeyID        string    `db:"cloud_key_id"`
	KeyName           string    `db:"key_name"`
	EncryptedMaterial string    `db:"encrypted_material"`
	CreatedAt         time.Time `db:"created_at"`
}

func (row *keyRow) toDomain() *catalog.Key {
	return &catalog.Key{
		ID:                row.ID,
		KeyDate:           row.KeyDate,
		CloudConnectorID:  row.CloudConnectorID,
		CloudKeyID:        row.CloudKeyID,
		KeyName:           row.KeyName,
		EncryptedMaterial: row.EncryptedMaterial,
		CreatedAt:         row.CreatedAt,
	}
}

func (s *Store) GetKey(ctx context.Context, connectorID, keyDate string) (*catalog.Key, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM key WHERE cloud_connector_id = $1 AND key_date = $2`, connectorID, keyDate)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get key: %w", err)
	}
	return row.toDomain(), nil
}

// CreateKey inserts a new daily keypair record. The (key_date,
// cloud_connector_id) unique constraint means a concurrent duplicate create
// surfaces as a unique-violation here; the key registry (C2) re-reads via
// GetKey on that error rather than retrying the insert (§4.9).
func (s *Store) CreateKey(ctx context.Context, k *catalog.Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key (id, key_date, cloud_connector_id, cloud_key_id, key_name, encrypted_material, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		k.ID, k.KeyDate, k.CloudConnectorID, k.CloudKeyID, k.KeyName, k.EncryptedMaterial)
	if err != nil {
		return fmt.Errorf("postgres: create key: %w", err)
	}
	return nil
}

type securityGroupRow struct {
	ID               string    `db:"id"`
	CloudGroupID     string    `db:"cloud_group_id"`
	CloudConnectorID string    `db:"cloud_connector_id"`
	InboundRules     []byte    `db:"inbound_rules"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
}

func (row *securityGroupRow) toDomain() (*catalog.SecurityGroup, error) {
	var rules []catalog.InboundRule
	if len(row.InboundRules) > 0 {
		if err := json.Unmarshal(row.InboundRules, &rules); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal inbound_rules: %w", err)
		}
	}
	return &catalog.SecurityGroup{
		ID:               row.ID,
		CloudGroupID:     row.CloudGroupID,
		CloudConnectorID: row.CloudConnectorID,
		InboundRules:     rules,
		Status:           catalog.SecurityGroupStatus(row.Status),
		CreatedAt:        row.CreatedAt,
	}, nil
}

func (s *Store) GetSecurityGroup(ctx context.Context, id string) (*catalog.SecurityGroup, error) {
	var row securityGroupRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM security_group WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "security group not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get security group: %w", err)
	}
	return row.toDomain()
}

func (s *Store) CreateSecurityGroup(ctx context.Context, sg *catalog.SecurityGroup) error {
	rules, err := json.Marshal(sg.InboundRules)
	if err != nil {
		return fmt.Errorf("postgres: marshal inbound_rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_group (id, cloud_group_id, cloud_connector_id, inbound_rules, status, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		sg.ID, sg.CloudGroupID, sg.CloudConnectorID, rules, string(sg.Status))
	if err != nil {
		return fmt.Errorf("postgres: create security group: %w", err)
	}
	return nil
}

func (s *Store) AssociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_security_group (runner_id, security_group_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, runnerID, sgID)
	if err != nil {
		return fmt.Errorf("postgres: associate runner security group: %w", err)
	}
	return nil
}

func (s *Store) DisassociateRunnerSecurityGroup(ctx context.Context, runnerID, sgID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM runner_security_group WHERE runner_id = $1 AND security_group_id = $2`, runnerID, sgID)
	if err != nil {
		return fmt.Errorf("postgres: disassociate runner security group: %w", err)
	}
	return nil
}

func (s *Store) SecurityGroupsForRunner(ctx context.Context, runnerID string) ([]*catalog.SecurityGroup, error) {
	var rows []securityGroupRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT sg.* FROM security_group sg
		JOIN runner_security_group rsg ON rsg.security_group_id = sg.id
		WHERE rsg.runner_id = $1`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: security groups for runner: %w", err)
	}
	out := make([]*catalog.SecurityGroup, 0, len(rows))
	for i := range rows {
		sg, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, nil
}

// SecurityGroupReferenceCount counts the runners still associated with sgID,
// driving the garbage-collection decision in the Termination Pipeline (C7, C3).
func (s *Store) SecurityGroupReferenceCount(ctx context.Context, sgID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM runner_security_group WHERE security_group_id = $1`, sgID)
	if err != nil {
		return 0, fmt.Errorf("postgres: security group reference count: %w", err)
	}
	return n, nil
}

func (s *Store) MarkSecurityGroupDeleted(ctx context.Context, sgID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE security_group SET status = $1 WHERE id = $2`,
		string(catalog.SecurityGroupDeleted), sgID)
	if err != nil {
		return fmt.Errorf("postgres: mark security group deleted: %w", err)
	}
	return nil
}
