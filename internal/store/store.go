// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no instance row matches the lookup.
var ErrNotFound = errors.New("plugin instance not found")

// Store is the SQLite-backed instance store.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// Config contains store configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// Cipher encrypts config values marked encrypted. Nil disables
	// encryption.
	Cipher *Cipher
}

// Open creates the store and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode lets readiness probes and lifecycle updates overlap
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, cipher: cfg.Cipher}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cipher exposes the configured cipher so the config resolver can
// decrypt values read from this store.
func (s *Store) Cipher() *Cipher {
	return s.cipher
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS plugin_instances (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			plugin_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			config TEXT,
			auth_method TEXT,
			auth_state TEXT,
			state TEXT NOT NULL DEFAULT 'stopped',
			port INTEGER NOT NULL DEFAULT 0,
			process_id INTEGER NOT NULL DEFAULT 0,
			health TEXT NOT NULL DEFAULT 'unknown',
			last_error TEXT,
			last_started_at INTEGER,
			last_stopped_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (organization_id, plugin_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_org ON plugin_instances(organization_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_state ON plugin_instances(state)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Get returns the instance for an organization/plugin pair.
func (s *Store) Get(ctx context.Context, orgID, pluginID string) (*PluginInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, plugin_id, enabled, config, auth_method, auth_state,
		       state, port, process_id, health, last_error,
		       last_started_at, last_stopped_at, created_at, updated_at
		FROM plugin_instances
		WHERE organization_id = ? AND plugin_id = ?`, orgID, pluginID)
	return scanInstance(row)
}

// Upsert inserts or replaces the tenant-owned fields of an instance:
// enabled flag, config, auth method, and auth state. Runtime fields are
// preserved on update. A missing ID is filled with a new UUID.
func (s *Store) Upsert(ctx context.Context, inst *PluginInstance) error {
	if inst.OrganizationID == "" || inst.PluginID == "" {
		return fmt.Errorf("organization_id and plugin_id are required")
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	configJSON, err := marshalNullable(inst.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	authJSON, err := marshalNullable(inst.AuthState)
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_instances
			(id, organization_id, plugin_id, enabled, config, auth_method, auth_state,
			 state, health, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'stopped', 'unknown', ?, ?)
		ON CONFLICT (organization_id, plugin_id) DO UPDATE SET
			enabled = excluded.enabled,
			config = excluded.config,
			auth_method = excluded.auth_method,
			auth_state = excluded.auth_state,
			updated_at = excluded.updated_at`,
		inst.ID, inst.OrganizationID, inst.PluginID, boolToInt(inst.Enabled),
		configJSON, inst.AuthMethod, authJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// UpdateRuntime persists the lifecycle fields of an instance.
func (s *Store) UpdateRuntime(ctx context.Context, orgID, pluginID string, state RuntimeState, port, pid int, health HealthStatus, lastError string) error {
	now := time.Now()
	var startedCol, stoppedCol string
	switch state {
	case StateStarting:
		startedCol = ", last_started_at = ?"
	case StateStopped, StateError:
		stoppedCol = ", last_stopped_at = ?"
	}

	query := `UPDATE plugin_instances
		SET state = ?, port = ?, process_id = ?, health = ?, last_error = ?, updated_at = ?` +
		startedCol + stoppedCol + `
		WHERE organization_id = ? AND plugin_id = ?`

	args := []any{string(state), port, pid, string(health), lastError, now.Unix()}
	if startedCol != "" || stoppedCol != "" {
		args = append(args, now.Unix())
	}
	args = append(args, orgID, pluginID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update runtime state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAuthState persists refreshed credentials for an instance.
func (s *Store) SaveAuthState(ctx context.Context, orgID, pluginID string, state *AuthState) error {
	authJSON, err := marshalNullable(state)
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugin_instances SET auth_state = ?, updated_at = ?
		WHERE organization_id = ? AND plugin_id = ?`,
		authJSON, time.Now().Unix(), orgID, pluginID)
	if err != nil {
		return fmt.Errorf("failed to save auth state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOrg returns all instances for an organization.
func (s *Store) ListByOrg(ctx context.Context, orgID string) ([]*PluginInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, plugin_id, enabled, config, auth_method, auth_state,
		       state, port, process_id, health, last_error,
		       last_started_at, last_stopped_at, created_at, updated_at
		FROM plugin_instances
		WHERE organization_id = ?
		ORDER BY plugin_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ResetRunning marks every instance persisted as starting or ready back
// to stopped. Called once at daemon boot: any worker recorded as running
// belonged to a previous daemon process and is gone.
func (s *Store) ResetRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugin_instances
		SET state = 'stopped', port = 0, process_id = 0, health = 'unknown',
		    last_stopped_at = ?, updated_at = ?
		WHERE state IN ('starting', 'ready')`,
		time.Now().Unix(), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to reset running instances: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanInstance(row *sql.Row) (*PluginInstance, error) {
	inst, err := scanRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func scanInstances(rows *sql.Rows) ([]*PluginInstance, error) {
	var out []*PluginInstance
	for rows.Next() {
		inst, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanRow(scan func(...any) error) (*PluginInstance, error) {
	var (
		inst                 PluginInstance
		enabled              int
		configJSON, authJSON sql.NullString
		authMethod, lastErr  sql.NullString
		startedAt, stoppedAt sql.NullInt64
		createdAt, updatedAt int64
		state, health        string
	)
	err := scan(&inst.ID, &inst.OrganizationID, &inst.PluginID, &enabled,
		&configJSON, &authMethod, &authJSON,
		&state, &inst.Port, &inst.ProcessID, &health, &lastErr,
		&startedAt, &stoppedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.Enabled = enabled != 0
	inst.State = RuntimeState(state)
	inst.Health = HealthStatus(health)
	inst.AuthMethod = authMethod.String
	inst.LastError = lastErr.String
	inst.CreatedAt = time.Unix(createdAt, 0)
	inst.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		inst.LastStartedAt = &t
	}
	if stoppedAt.Valid {
		t := time.Unix(stoppedAt.Int64, 0)
		inst.LastStoppedAt = &t
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &inst.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if authJSON.Valid && authJSON.String != "" {
		if err := json.Unmarshal([]byte(authJSON.String), &inst.AuthState); err != nil {
			return nil, fmt.Errorf("failed to decode auth state: %w", err)
		}
	}
	return &inst, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case map[string]ConfigValue:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *AuthState:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
