// Copyright 2025 AgentGate
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

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Store owns all persistent entities: tenants, policies and the audit log.
// The audit log is append-only; nothing in the core mutates or deletes a
// record after creation.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenDatabase connects to PostgreSQL. DATABASE_URL wins; otherwise the
// connection string is assembled from individual env vars (12-Factor App
// pattern).
func OpenDatabase() (*sql.DB, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		host := os.Getenv("DATABASE_HOST")
		port := os.Getenv("DATABASE_PORT")
		user := os.Getenv("DATABASE_USER")
		password := os.Getenv("DATABASE_PASSWORD")
		dbname := os.Getenv("DATABASE_NAME")
		sslmode := os.Getenv("DATABASE_SSLMODE")

		if sslmode == "" {
			sslmode = "require"
		}
		if port == "" {
			port = "5432"
		}
		if host == "" || user == "" || password == "" || dbname == "" {
			return nil, fmt.Errorf("database not configured (need DATABASE_URL or DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME)")
		}

		dbURL = fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=%s",
			user, password, host, port, dbname, sslmode)
		log.Printf("Built DATABASE_URL from individual env vars (host=%s, db=%s)", host, dbname)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id VARCHAR(50) PRIMARY KEY,
		display_name VARCHAR(255) NOT NULL,
		credential VARCHAR(64) UNIQUE NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		notify_endpoint VARCHAR(2048),
		notify_enabled BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS policies (
		id SERIAL PRIMARY KEY,
		tenant_id VARCHAR(50) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL DEFAULT 'default',
		version VARCHAR(20) NOT NULL DEFAULT '1.0',
		rules TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_policies_tenant_active ON policies(tenant_id, active);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id SERIAL PRIMARY KEY,
		action_id VARCHAR(32) UNIQUE NOT NULL,
		tenant_id VARCHAR(50) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		agent_name VARCHAR(255) NOT NULL,
		action_type VARCHAR(255) NOT NULL,
		params TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT,
		policy_version VARCHAR(20),
		eval_duration_ms BIGINT,
		timestamp TIMESTAMP NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_timestamp ON audit_logs(tenant_id, timestamp);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GenerateCredential produces a new tenant secret. Returned once on
// creation and never again.
func GenerateCredential() string {
	return "ag_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")[:48]
}

// generateActionID produces a unique audit record identifier.
func generateActionID() string {
	return "act_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CreateTenant inserts a tenant with a fresh credential.
func (s *Store) CreateTenant(ctx context.Context, id, displayName, notifyEndpoint string, notifyEnabled bool) (*Tenant, error) {
	tenant := &Tenant{
		ID:             id,
		DisplayName:    displayName,
		Credential:     GenerateCredential(),
		Active:         true,
		NotifyEndpoint: notifyEndpoint,
		NotifyEnabled:  notifyEnabled,
	}

	query := `
		INSERT INTO tenants (id, display_name, credential, active, notify_endpoint, notify_enabled)
		VALUES ($1, $2, $3, true, $4, $5)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		tenant.ID, tenant.DisplayName, tenant.Credential,
		nullString(tenant.NotifyEndpoint), tenant.NotifyEnabled,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return tenant, nil
}

// GetTenant fetches a tenant by id. Returns (nil, nil) when not found. The
// credential is not populated; it is only returned at creation time.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, display_name, active, notify_endpoint, notify_enabled, created_at, updated_at
		FROM tenants WHERE id = $1
	`
	tenant := &Tenant{}
	var endpoint sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID, &tenant.DisplayName, &tenant.Active,
		&endpoint, &tenant.NotifyEnabled, &tenant.CreatedAt, &tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	tenant.NotifyEndpoint = endpoint.String
	return tenant, nil
}

// GetTenantByCredential looks a tenant up by exact credential match.
// Returns (nil, nil) when no tenant owns the credential. Active status is
// returned as-is; the resolver decides how to treat inactive tenants.
func (s *Store) GetTenantByCredential(ctx context.Context, credential string) (*Tenant, error) {
	query := `
		SELECT id, display_name, active, notify_endpoint, notify_enabled, created_at, updated_at
		FROM tenants WHERE credential = $1
	`
	tenant := &Tenant{}
	var endpoint sql.NullString
	err := s.db.QueryRowContext(ctx, query, credential).Scan(
		&tenant.ID, &tenant.DisplayName, &tenant.Active,
		&endpoint, &tenant.NotifyEnabled, &tenant.CreatedAt, &tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	tenant.NotifyEndpoint = endpoint.String
	return tenant, nil
}

// SetTenantActive soft-activates or deactivates a tenant. Records are
// retained either way.
func (s *Store) SetTenantActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("tenant %s not found", id)
	}
	return nil
}

// TenantCredential returns the stored credential for a tenant. Used only
// to invalidate the credential cache when the tenant changes; it is never
// returned over the API after creation.
func (s *Store) TenantCredential(ctx context.Context, id string) (string, error) {
	var credential string
	err := s.db.QueryRowContext(ctx,
		`SELECT credential FROM tenants WHERE id = $1`, id).Scan(&credential)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return credential, nil
}

// CreatePolicy appends a new policy version and makes it the single active
// one. Deactivating the prior active row and activating the new one happen
// in one transaction, so a concurrent validation sees either the old policy
// or the new one, never both and never none.
func (s *Store) CreatePolicy(ctx context.Context, tenantID, name, version, rules string) (*Policy, error) {
	if name == "" {
		name = "default"
	}
	if version == "" {
		version = "1.0"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET active = false, updated_at = NOW() WHERE tenant_id = $1 AND active = true`,
		tenantID,
	); err != nil {
		return nil, fmt.Errorf("failed to deactivate prior policy: %w", err)
	}

	policy := &Policy{
		TenantID: tenantID,
		Name:     name,
		Version:  version,
		Rules:    rules,
		Active:   true,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO policies (tenant_id, name, version, rules, active)
		VALUES ($1, $2, $3, $4, true)
		RETURNING id, created_at, updated_at
	`, tenantID, name, version, rules).Scan(&policy.ID, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy: %w", err)
	}
	return policy, nil
}

// GetActivePolicy returns the tenant's single active policy, or (nil, nil)
// when none is configured.
func (s *Store) GetActivePolicy(ctx context.Context, tenantID string) (*Policy, error) {
	query := `
		SELECT id, tenant_id, name, version, rules, active, created_at, updated_at
		FROM policies
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at DESC
		LIMIT 1
	`
	policy := &Policy{}
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&policy.ID, &policy.TenantID, &policy.Name, &policy.Version,
		&policy.Rules, &policy.Active, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active policy: %w", err)
	}
	return policy, nil
}

// InsertAuditRecord persists one decision. The caller gets the record back
// with its generated action_id and timestamp; the write completes before
// the decision is returned to anyone (flush-then-return).
func (s *Store) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if rec.ActionID == "" {
		rec.ActionID = generateActionID()
	}
	query := `
		INSERT INTO audit_logs (action_id, tenant_id, agent_name, action_type, params, allowed, reason, policy_version, eval_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, timestamp
	`
	err := s.db.QueryRowContext(ctx, query,
		rec.ActionID, rec.TenantID, rec.AgentName, rec.ActionType, rec.Params,
		rec.Allowed, nullString(rec.Reason), nullString(rec.PolicyVersion), rec.EvalDurationMS,
	).Scan(&rec.ID, &rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAuditRecords.
type AuditFilter struct {
	AgentName  string
	ActionType string
	Allowed    *bool
	Limit      int
}

// ListAuditRecords returns a tenant's audit records, newest first.
func (s *Store) ListAuditRecords(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT id, action_id, tenant_id, agent_name, action_type, params, allowed, reason, policy_version, eval_duration_ms, timestamp
		FROM audit_logs
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	argIndex := 2

	if filter.AgentName != "" {
		query += fmt.Sprintf(" AND agent_name = $%d", argIndex)
		args = append(args, filter.AgentName)
		argIndex++
	}
	if filter.ActionType != "" {
		query += fmt.Sprintf(" AND action_type = $%d", argIndex)
		args = append(args, filter.ActionType)
		argIndex++
	}
	if filter.Allowed != nil {
		query += fmt.Sprintf(" AND allowed = $%d", argIndex)
		args = append(args, *filter.Allowed)
		argIndex++
	}

	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var reason, version sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.ActionID, &rec.TenantID, &rec.AgentName, &rec.ActionType,
			&rec.Params, &rec.Allowed, &reason, &version, &rec.EvalDurationMS, &rec.Timestamp,
		); err != nil {
			log.Printf("Error scanning audit record: %v", err)
			continue
		}
		rec.Reason = reason.String
		rec.PolicyVersion = version.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AggregateCount counts allowed records in the window for a scope.
func (s *Store) AggregateCount(ctx context.Context, tenantID, agentName, actionType string, windowStart time.Time, scope string) (float64, error) {
	query := `SELECT COUNT(*) FROM audit_logs WHERE tenant_id = $1 AND allowed = true AND timestamp >= $2`
	args := []interface{}{tenantID, windowStart}

	switch scope {
	case ScopeAgent:
		query += ` AND agent_name = $3 AND action_type = $4`
		args = append(args, agentName, actionType)
	case ScopeAction:
		query += ` AND action_type = $3`
		args = append(args, actionType)
	}

	var count float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count aggregate: %w", err)
	}
	return count, nil
}

// AggregateParams streams the params payloads of allowed records in the
// window for a scope. The caller resolves the measured path against each
// payload; a record whose value is absent or non-numeric contributes zero.
func (s *Store) AggregateParams(ctx context.Context, tenantID, agentName, actionType string, windowStart time.Time, scope string) ([]string, error) {
	query := `SELECT params FROM audit_logs WHERE tenant_id = $1 AND allowed = true AND timestamp >= $2`
	args := []interface{}{tenantID, windowStart}

	switch scope {
	case ScopeAgent:
		query += ` AND agent_name = $3 AND action_type = $4`
		args = append(args, agentName, actionType)
	case ScopeAction:
		query += ` AND action_type = $3`
		args = append(args, actionType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payloads []string
	for rows.Next() {
		var params string
		if err := rows.Scan(&params); err != nil {
			log.Printf("Error scanning aggregate row: %v", err)
			continue
		}
		payloads = append(payloads, params)
	}
	return payloads, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
