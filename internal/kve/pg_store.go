package kve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// PgStore implements Store against PostgreSQL: service_keys,
// action_allowlist, tenant_integrations (spec §6).
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, connURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("kve pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kve pg ping: %w", err)
	}
	s := &PgStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kve pg migrate: %w", err)
	}
	log.Info().Msg("key-vault executor postgres store initialized")
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS service_keys (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		key_hmac            TEXT NOT NULL UNIQUE,
		organisation_id     TEXT NOT NULL DEFAULT '',
		allowed_tenant_ids  JSONB NOT NULL DEFAULT '[]',
		status              TEXT NOT NULL DEFAULT 'active',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at          TIMESTAMPTZ,
		revoked_at          TIMESTAMPTZ,
		last_used_at        TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS action_allowlist (
		integration    TEXT NOT NULL,
		action         TEXT NOT NULL,
		action_version TEXT NOT NULL DEFAULT '',
		enabled        BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (integration, action)
	);

	CREATE TABLE IF NOT EXISTS tenant_integrations (
		tenant_id   TEXT NOT NULL,
		integration TEXT NOT NULL,
		secret_name TEXT NOT NULL,
		metadata    JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (tenant_id, integration)
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PgStore) Close() error                   { s.pool.Close(); return nil }

func (s *PgStore) GetServiceKeyByHMAC(ctx context.Context, hmac string) (*acptypes.ServiceKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, key_hmac, organisation_id, allowed_tenant_ids, status, created_at, expires_at, revoked_at, last_used_at
		FROM service_keys WHERE key_hmac=$1`, hmac)
	var k acptypes.ServiceKey
	var tenantsRaw []byte
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHMAC, &k.OrganisationID, &tenantsRaw, &k.Status, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "service_key", Key: hmac}
		}
		return nil, err
	}
	if len(tenantsRaw) > 0 {
		_ = json.Unmarshal(tenantsRaw, &k.AllowedTenantIDs)
	}
	return &k, nil
}

func (s *PgStore) GetAllowlistEntry(ctx context.Context, integration, action string) (*acptypes.ActionAllowlistEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT integration, action, action_version, enabled FROM action_allowlist WHERE integration=$1 AND action=$2`, integration, action)
	var e acptypes.ActionAllowlistEntry
	if err := row.Scan(&e.Integration, &e.Action, &e.ActionVersion, &e.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "allowlist_entry", Key: integration + ":" + action}
		}
		return nil, err
	}
	return &e, nil
}

func (s *PgStore) GetTenantIntegration(ctx context.Context, tenantID, integration string) (*acptypes.TenantIntegration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, integration, secret_name, metadata FROM tenant_integrations WHERE tenant_id=$1 AND integration=$2`, tenantID, integration)
	var ti acptypes.TenantIntegration
	var metaRaw []byte
	if err := row.Scan(&ti.TenantID, &ti.Integration, &ti.SecretName, &metaRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "tenant_integration", Key: tenantID + ":" + integration}
		}
		return nil, err
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &ti.Metadata)
	}
	return &ti, nil
}

func (s *PgStore) TouchServiceKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE service_keys SET last_used_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return err
}
