package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/internal/engineerr"
)

// Store is the sqlx/lib/pq-backed implementation of storage.Store. All
// conditional updates rely on RowsAffected() to detect a lost optimistic
// concurrency race (§5), the same pattern the teacher codebase uses for its
// account-balance updates.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing *sql.DB (already opened with pre-ping/recycle
// settings applied by the caller) in a Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type runnerRow struct {
	ID              string         `db:"id"`
	CloudInstanceID string         `db:"cloud_instance_id"`
	ExternalHash    string         `db:"external_hash"`
	ImageID         string         `db:"image_id"`
	MachineID       string         `db:"machine_id"`
	KeyID           string         `db:"key_id"`
	UserID          string         `db:"user_id"`
	State           string         `db:"state"`
	PublicIP        string         `db:"public_ip"`
	UserIP          string         `db:"user_ip"`
	LifecycleToken  string         `db:"lifecycle_token"`
	TerminalToken   string         `db:"terminal_token"`
	SessionStart    sql.NullTime   `db:"session_start"`
	SessionEnd      sql.NullTime   `db:"session_end"`
	EndedOn         sql.NullTime   `db:"ended_on"`
	EnvData         []byte         `db:"env_data"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (row *runnerRow) toDomain() (*runner.Runner, error) {
	var env map[string]string
	if len(row.EnvData) > 0 {
		if err := json.Unmarshal(row.EnvData, &env); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal env_data: %w", err)
		}
	}
	r := &runner.Runner{
		ID:              row.ID,
		CloudInstanceID: row.CloudInstanceID,
		ExternalHash:    row.ExternalHash,
		ImageID:         row.ImageID,
		MachineID:       row.MachineID,
		KeyID:           row.KeyID,
		UserID:          row.UserID,
		State:           runner.State(row.State),
		PublicIP:        row.PublicIP,
		UserIP:          row.UserIP,
		LifecycleToken:  row.LifecycleToken,
		TerminalToken:   row.TerminalToken,
		EnvData:         env,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.SessionStart.Valid {
		r.SessionStart = row.SessionStart.Time
	}
	if row.SessionEnd.Valid {
		r.SessionEnd = row.SessionEnd.Time
	}
	if row.EndedOn.Valid {
		t := row.EndedOn.Time
		r.EndedOn = &t
	}
	return r, nil
}

func (s *Store) CreateRunner(ctx context.Context, r *runner.Runner) error {
	env, err := json.Marshal(r.EnvData)
	if err != nil {
		return fmt.Errorf("postgres: marshal env_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runner (id, cloud_instance_id, external_hash, image_id, machine_id, key_id,
			user_id, state, public_ip, user_ip, lifecycle_token, terminal_token,
			session_start, session_end, env_data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())`,
		r.ID, r.CloudInstanceID, r.ExternalHash, r.ImageID, r.MachineID, r.KeyID,
		r.UserID, string(r.State), r.PublicIP, r.UserIP, r.LifecycleToken, r.TerminalToken,
		nullableTime(r.SessionStart), nullableTime(r.SessionEnd), env,
	)
	if err != nil {
		return fmt.Errorf("postgres: create runner: %w", err)
	}
	return nil
}

func (s *Store) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	var row runnerRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runner WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "runner not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get runner: %w", err)
	}
	return row.toDomain()
}

func (s *Store) GetRunnerByLifecycleToken(ctx context.Context, token string) (*runner.Runner, error) {
	var row runnerRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runner WHERE lifecycle_token = $1`, token)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.ResourceNotFound, "runner not found for lifecycle token")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get runner by lifecycle token: %w", err)
	}
	return row.toDomain()
}

func (s *Store) FindExistingForUser(ctx context.Context, imageID, userID string) (*runner.Runner, error) {
	var row runnerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM runner
		WHERE image_id = $1 AND user_id = $2
		  AND state NOT IN ('closed', 'terminated', 'closed_pool', 'error')
		ORDER BY created_at DESC
		LIMIT 1`, imageID, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find existing for user: %w", err)
	}
	return row.toDomain()
}

// ClaimReadyRunner implements the race-safe conditional update of §5: among
// the candidate `ready` rows for imageID, attempt a conditional UPDATE on
// each until one succeeds (RowsAffected()==1), so exactly one concurrent
// caller wins per runner.
func (s *Store) ClaimReadyRunner(ctx context.Context, imageID, userID, lifecycleToken string, sessionStart, sessionEnd time.Time) (*runner.Runner, error) {
	var candidateIDs []string
	if err := s.db.SelectContext(ctx, &candidateIDs, `
		SELECT id FROM runner WHERE image_id = $1 AND state = $2 ORDER BY created_at ASC`,
		imageID, string(runner.StateReady)); err != nil {
		return nil, fmt.Errorf("postgres: list ready candidates: %w", err)
	}

	for _, id := range candidateIDs {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runner SET state = $1, user_id = $2, lifecycle_token = $3, session_start = $4, session_end = $5, updated_at = now()
			WHERE id = $6 AND state = $7`,
			string(runner.StateReadyClaimed), userID, lifecycleToken, sessionStart, sessionEnd, id, string(runner.StateReady))
		if err != nil {
			return nil, fmt.Errorf("postgres: claim ready runner: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("postgres: rows affected: %w", err)
		}
		if affected == 1 {
			return s.GetRunner(ctx, id)
		}
		// Lost the race on this row; try the next candidate.
	}

	return nil, nil
}

func (s *Store) CountReady(ctx context.Context, imageID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM runner WHERE image_id = $1 AND state = $2`,
		imageID, string(runner.StateReady))
	if err != nil {
		return 0, fmt.Errorf("postgres: count ready: %w", err)
	}
	return n, nil
}

func (s *Store) ListReadyOldestFirst(ctx context.Context, imageID string, limit int) ([]*runner.Runner, error) {
	var rows []runnerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runner WHERE image_id = $1 AND state = $2
		ORDER BY created_at ASC LIMIT $3`, imageID, string(runner.StateReady), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ready oldest first: %w", err)
	}
	return toDomainSlice(rows)
}

func (s *Store) ListIdleReady(ctx context.Context, before time.Time) ([]*runner.Runner, error) {
	var rows []runnerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runner WHERE state = $1 AND updated_at < $2`, string(runner.StateReady), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list idle ready: %w", err)
	}
	return toDomainSlice(rows)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*runner.Runner, error) {
	var rows []runnerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runner
		WHERE state NOT IN ('terminated', 'ready', 'closed') AND session_end < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired: %w", err)
	}
	return toDomainSlice(rows)
}

// CompareAndSetState loads the runner, verifies expectedFrom, applies mutate,
// and performs a conditional UPDATE gated on the unchanged state (§5).
func (s *Store) CompareAndSetState(ctx context.Context, id string, expectedFrom, to runner.State, mutate func(*runner.Runner)) error {
	r, err := s.GetRunner(ctx, id)
	if err != nil {
		return err
	}
	if r.State != expectedFrom {
		return engineerr.New(engineerr.ConcurrencyConflict, fmt.Sprintf("runner %s is in state %s, expected %s", id, r.State, expectedFrom))
	}
	if mutate != nil {
		mutate(r)
	}
	r.State = to

	env, err := json.Marshal(r.EnvData)
	if err != nil {
		return fmt.Errorf("postgres: marshal env_data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runner SET state = $1, public_ip = $2, user_ip = $3, user_id = $4,
			terminal_token = $5, env_data = $6, ended_on = $7, updated_at = now()
		WHERE id = $8 AND state = $9`,
		string(to), r.PublicIP, r.UserIP, r.UserID, r.TerminalToken, env,
		nullableTimePtr(r.EndedOn), id, string(expectedFrom))
	if err != nil {
		return fmt.Errorf("postgres: compare and set state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if affected == 0 {
		return engineerr.New(engineerr.ConcurrencyConflict, fmt.Sprintf("runner %s state changed concurrently", id))
	}
	return nil
}

func (s *Store) SetPublicIP(ctx context.Context, id, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runner SET public_ip = $1, updated_at = now() WHERE id = $2`, ip, id)
	if err != nil {
		return fmt.Errorf("postgres: set public ip: %w", err)
	}
	return nil
}

// SetLifecycleToken rebinds an existing runner to the lifecycle token of the
// Allocate request that is currently serving it, so AttachTerminal's
// terminal-token check and the Event Bus's GetRunnerByLifecycleToken lookup
// resolve against the request in flight rather than a stale or empty token.
func (s *Store) SetLifecycleToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runner SET lifecycle_token = $1, updated_at = now() WHERE id = $2`, token, id)
	if err != nil {
		return fmt.Errorf("postgres: set lifecycle token: %w", err)
	}
	return nil
}

// ExtendSession enforces the 3h total-duration cap (§6, §8).
func (s *Store) ExtendSession(ctx context.Context, id string, extraMinutes int, maxTotal time.Duration) error {
	r, err := s.GetRunner(ctx, id)
	if err != nil {
		return err
	}
	newEnd := r.SessionEnd.Add(time.Duration(extraMinutes) * time.Minute)
	if newEnd.Sub(r.SessionStart) > maxTotal {
		return engineerr.New(engineerr.InvalidRequest, "extension would exceed maximum session duration")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runner SET session_end = $1, updated_at = now() WHERE id = $2`, newEnd, id)
	if err != nil {
		return fmt.Errorf("postgres: extend session: %w", err)
	}
	return nil
}

func (s *Store) MarkEnded(ctx context.Context, id string, endedOn time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runner SET ended_on = $1 WHERE id = $2 AND ended_on IS NULL`, endedOn, id)
	if err != nil {
		return fmt.Errorf("postgres: mark ended: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, h *runner.History) error {
	data, err := json.Marshal(h.EventData)
	if err != nil {
		return fmt.Errorf("postgres: marshal event_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runner_history (runner_id, event_name, event_data, created_by, created_at)
		VALUES ($1, $2, $3, $4, now())`, h.RunnerID, h.EventName, data, h.CreatedBy)
	if err != nil {
		return fmt.Errorf("postgres: append history: %w", err)
	}
	return nil
}

type historyRow struct {
	ID        int64     `db:"id"`
	RunnerID  string    `db:"runner_id"`
	EventName string    `db:"event_name"`
	EventData []byte    `db:"event_data"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) ListHistory(ctx context.Context, runnerID string) ([]*runner.History, error) {
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runner_history WHERE runner_id = $1 ORDER BY id ASC`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	out := make([]*runner.History, 0, len(rows))
	for _, row := range rows {
		var data map[string]interface{}
		if len(row.EventData) > 0 {
			if err := json.Unmarshal(row.EventData, &data); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event_data: %w", err)
			}
		}
		out = append(out, &runner.History{
			ID:        fmt.Sprintf("%d", row.ID),
			RunnerID:  row.RunnerID,
			EventName: row.EventName,
			EventData: data,
			CreatedBy: row.CreatedBy,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func toDomainSlice(rows []runnerRow) ([]*runner.Runner, error) {
	out := make([]*runner.Runner, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
