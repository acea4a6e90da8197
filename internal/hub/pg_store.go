package hub

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

// PgStore implements Store against PostgreSQL, the production backend
// for the tables named in spec §6: organisations, kernels, policies,
// audit_logs (hot), audit_blobs (cold), revocations.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore connects, pings, and runs migrations, following the
// teacher's PgvectorStore constructor shape exactly.
func NewPgStore(ctx context.Context, connURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("hub pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("hub pg ping: %w", err)
	}
	s := &PgStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("hub pg migrate: %w", err)
	}
	log.Info().Msg("governance hub postgres store initialized")
	return s, nil
}

func (s *PgStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS organisations (
		id                   TEXT PRIMARY KEY,
		default_allow_reads  BOOLEAN NOT NULL DEFAULT TRUE,
		default_allow_writes BOOLEAN NOT NULL DEFAULT FALSE,
		cold_storage_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		heartbeat_window_sec INTEGER NOT NULL DEFAULT 120
	);

	CREATE TABLE IF NOT EXISTS kernels (
		id                TEXT NOT NULL,
		organisation_id   TEXT NOT NULL REFERENCES organisations(id),
		api_key_hmac      TEXT NOT NULL,
		version           TEXT NOT NULL DEFAULT '',
		packs             JSONB NOT NULL DEFAULT '[]',
		env               TEXT NOT NULL DEFAULT '',
		last_heartbeat    TIMESTAMPTZ,
		status            TEXT NOT NULL DEFAULT 'active',
		registered_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (organisation_id, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_kernels_hmac ON kernels (api_key_hmac);

	CREATE TABLE IF NOT EXISTS policies (
		id               TEXT PRIMARY KEY,
		organisation_id  TEXT NOT NULL REFERENCES organisations(id),
		kernel_id        TEXT NOT NULL DEFAULT '',
		tenant_id        TEXT NOT NULL DEFAULT '',
		name             TEXT NOT NULL,
		version          INTEGER NOT NULL DEFAULT 1,
		effect           TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 100,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		condition        JSONB NOT NULL DEFAULT '{}',
		reason           TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_policies_org ON policies (organisation_id, enabled, priority);

	CREATE TABLE IF NOT EXISTS decisions (
		decision_id      TEXT PRIMARY KEY,
		organisation_id  TEXT NOT NULL,
		kernel_id        TEXT NOT NULL,
		decision         TEXT NOT NULL,
		policy_id        TEXT NOT NULL DEFAULT '',
		policy_version   TEXT NOT NULL DEFAULT '',
		reason           TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		event_id                TEXT PRIMARY KEY,
		ts                      BIGINT NOT NULL,
		organisation_id         TEXT NOT NULL DEFAULT '',
		kernel_id               TEXT NOT NULL DEFAULT '',
		tenant_id               TEXT NOT NULL,
		integration             TEXT NOT NULL,
		pack                    TEXT NOT NULL DEFAULT '',
		schema_version          INTEGER NOT NULL DEFAULT 1,
		actor_type              TEXT NOT NULL DEFAULT '',
		actor_id                TEXT NOT NULL DEFAULT '',
		action                  TEXT NOT NULL,
		status                  TEXT NOT NULL,
		request_hash            TEXT NOT NULL,
		decision_source         TEXT NOT NULL DEFAULT '',
		policy_id               TEXT NOT NULL DEFAULT '',
		policy_decision_id      TEXT NOT NULL DEFAULT '',
		degraded_reason         TEXT NOT NULL DEFAULT '',
		result_meta             JSONB,
		latency_ms              BIGINT NOT NULL DEFAULT 0,
		error_code              TEXT NOT NULL DEFAULT '',
		error_message_redacted  TEXT NOT NULL DEFAULT '',
		idempotency_key         TEXT NOT NULL DEFAULT '',
		ip_address              TEXT NOT NULL DEFAULT '',
		dry_run                 BOOLEAN NOT NULL DEFAULT FALSE,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant ON audit_logs (tenant_id, action, status, created_at);

	CREATE TABLE IF NOT EXISTS audit_blobs (
		event_id   TEXT PRIMARY KEY REFERENCES audit_logs(event_id),
		payload    BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS revocations (
		id         BIGSERIAL PRIMARY KEY,
		kind       TEXT NOT NULL,
		ref_id     TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PgStore) Close() error                   { s.pool.Close(); return nil }

func (s *PgStore) GetOrganisation(ctx context.Context, id string) (*OrganisationConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, default_allow_reads, default_allow_writes, cold_storage_enabled, heartbeat_window_sec FROM organisations WHERE id=$1`, id)
	var cfg OrganisationConfig
	var windowSec int
	if err := row.Scan(&cfg.ID, &cfg.DefaultAllowReads, &cfg.DefaultAllowWrites, &cfg.ColdStorageEnabled, &windowSec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "organisation", Key: id}
		}
		return nil, err
	}
	cfg.HeartbeatWindow = time.Duration(windowSec) * time.Second
	return &cfg, nil
}

func (s *PgStore) CreateOrganisation(ctx context.Context, cfg *OrganisationConfig) error {
	windowSec := int(cfg.HeartbeatWindow / time.Second)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organisations (id, default_allow_reads, default_allow_writes, cold_storage_enabled, heartbeat_window_sec)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET default_allow_reads=$2, default_allow_writes=$3, cold_storage_enabled=$4, heartbeat_window_sec=$5`,
		cfg.ID, cfg.DefaultAllowReads, cfg.DefaultAllowWrites, cfg.ColdStorageEnabled, windowSec)
	return err
}

func (s *PgStore) ListEnabledPolicies(ctx context.Context, organisationID, kernelID string) ([]acptypes.Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organisation_id, kernel_id, tenant_id, name, version, effect, priority, enabled, condition, reason
		FROM policies
		WHERE organisation_id=$1 AND enabled=TRUE AND (kernel_id='' OR kernel_id=$2)
		ORDER BY priority ASC, id ASC`, organisationID, kernelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []acptypes.Policy
	for rows.Next() {
		var p acptypes.Policy
		var condRaw []byte
		if err := rows.Scan(&p.ID, &p.OrganisationID, &p.KernelID, &p.TenantID, &p.Name, &p.Version, &p.Effect, &p.Priority, &p.Enabled, &condRaw, &p.Reason); err != nil {
			return nil, err
		}
		if len(condRaw) > 0 {
			if err := json.Unmarshal(condRaw, &p.Condition); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) GetPolicy(ctx context.Context, id string) (*acptypes.Policy, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, organisation_id, kernel_id, tenant_id, name, version, effect, priority, enabled, condition, reason
		FROM policies WHERE id=$1`, id)
	var p acptypes.Policy
	var condRaw []byte
	if err := row.Scan(&p.ID, &p.OrganisationID, &p.KernelID, &p.TenantID, &p.Name, &p.Version, &p.Effect, &p.Priority, &p.Enabled, &condRaw, &p.Reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "policy", Key: id}
		}
		return nil, err
	}
	if len(condRaw) > 0 {
		_ = json.Unmarshal(condRaw, &p.Condition)
	}
	return &p, nil
}

func (s *PgStore) CreatePolicy(ctx context.Context, p *acptypes.Policy) error {
	condRaw, err := json.Marshal(p.Condition)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO policies (id, organisation_id, kernel_id, tenant_id, name, version, effect, priority, enabled, condition, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET tenant_id=$4, name=$5, version=$6, effect=$7, priority=$8, enabled=$9, condition=$10, reason=$11`,
		p.ID, p.OrganisationID, p.KernelID, p.TenantID, p.Name, p.Version, p.Effect, p.Priority, p.Enabled, condRaw, p.Reason)
	return err
}

func (s *PgStore) GetKernelByHMAC(ctx context.Context, hmac string) (*acptypes.KernelInventoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, organisation_id, api_key_hmac, version, packs, env, last_heartbeat, status, registered_at
		FROM kernels WHERE api_key_hmac=$1`, hmac)
	return scanKernel(row)
}

func scanKernel(row pgx.Row) (*acptypes.KernelInventoryRecord, error) {
	var k acptypes.KernelInventoryRecord
	var packsRaw []byte
	var lastHeartbeat *time.Time
	if err := row.Scan(&k.ID, &k.OrganisationID, &k.APIKeyHMAC, &k.Version, &packsRaw, &k.Env, &lastHeartbeat, &k.Status, &k.RegisteredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "kernel", Key: ""}
		}
		return nil, err
	}
	if lastHeartbeat != nil {
		k.LastHeartbeat = *lastHeartbeat
	}
	if len(packsRaw) > 0 {
		_ = json.Unmarshal(packsRaw, &k.Packs)
	}
	return &k, nil
}

func (s *PgStore) UpsertKernel(ctx context.Context, k *acptypes.KernelInventoryRecord) error {
	packsRaw, err := json.Marshal(k.Packs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO kernels (id, organisation_id, api_key_hmac, version, packs, env, last_heartbeat, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (organisation_id, id) DO UPDATE SET
			api_key_hmac=$3, version=$4, packs=$5, env=$6, last_heartbeat=$7, status=$8`,
		k.ID, k.OrganisationID, k.APIKeyHMAC, k.Version, packsRaw, k.Env, k.LastHeartbeat, k.Status)
	return err
}

func (s *PgStore) MarkDegraded(ctx context.Context, kernelID string, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE kernels SET status='degraded' WHERE id=$1 AND last_heartbeat < $2`, kernelID, cutoff)
	return err
}

func (s *PgStore) PutDecision(ctx context.Context, organisationID, kernelID string, token acptypes.DecisionToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO decisions (decision_id, organisation_id, kernel_id, decision, policy_id, policy_version, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (decision_id) DO NOTHING`,
		token.DecisionID, organisationID, kernelID, token.Decision, token.PolicyID, token.PolicyVersion, token.Reason)
	return err
}

func (s *PgStore) PutHotRow(ctx context.Context, row acptypes.AuditHotRow) (bool, error) {
	metaRaw, err := json.Marshal(row.ResultMeta)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			event_id, ts, organisation_id, kernel_id, tenant_id, integration, pack, schema_version,
			actor_type, actor_id, action, status, request_hash, decision_source,
			policy_id, policy_decision_id, degraded_reason, result_meta, latency_ms,
			error_code, error_message_redacted, idempotency_key, ip_address, dry_run
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (event_id) DO NOTHING`,
		row.EventID, row.TS, row.OrganisationID, row.KernelID, row.TenantID, row.Integration, row.Pack, row.SchemaVersion,
		row.ActorType, row.ActorID, row.Action, row.Status, row.RequestHash, row.DecisionSource,
		row.PolicyID, row.PolicyDecisionID, row.DegradedReason, metaRaw, row.LatencyMS,
		row.ErrorCode, row.ErrorMessageRedact, row.IdempotencyKey, row.IPAddress, row.DryRun)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) PutColdBlob(ctx context.Context, eventID string, gzipped []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_blobs (event_id, payload) VALUES ($1,$2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, gzipped)
	return err
}

func (s *PgStore) QueryHotRows(ctx context.Context, filter AuditFilter) ([]acptypes.AuditHotRow, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := (page - 1) * limit

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, ts, organisation_id, tenant_id, integration, pack, schema_version, actor_type, actor_id,
			action, status, request_hash, decision_source, policy_id, policy_decision_id,
			degraded_reason, result_meta, latency_ms, error_code, error_message_redacted,
			idempotency_key, ip_address, dry_run, created_at
		FROM audit_logs
		WHERE ($1='' OR tenant_id=$1) AND ($2='' OR action=$2) AND ($3='' OR status=$3)
		ORDER BY ts ASC, event_id ASC
		LIMIT $4 OFFSET $5`,
		filter.TenantID, filter.Action, string(filter.Status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []acptypes.AuditHotRow
	for rows.Next() {
		var row acptypes.AuditHotRow
		var metaRaw []byte
		if err := rows.Scan(&row.EventID, &row.TS, &row.OrganisationID, &row.TenantID, &row.Integration, &row.Pack, &row.SchemaVersion,
			&row.ActorType, &row.ActorID, &row.Action, &row.Status, &row.RequestHash, &row.DecisionSource,
			&row.PolicyID, &row.PolicyDecisionID, &row.DegradedReason, &metaRaw, &row.LatencyMS,
			&row.ErrorCode, &row.ErrorMessageRedact, &row.IdempotencyKey, &row.IPAddress, &row.DryRun, &row.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &row.ResultMeta)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_logs
		WHERE ($1='' OR tenant_id=$1) AND ($2='' OR action=$2) AND ($3='' OR status=$3)`,
		filter.TenantID, filter.Action, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PgStore) Revoke(ctx context.Context, kind, id, reason string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO revocations (kind, ref_id, reason, version)
			VALUES ($1, $2, $3, (SELECT COALESCE(MAX(version), 0) + 1 FROM revocations))
			RETURNING version
		)
		SELECT version FROM ins`, kind, id, reason).Scan(&version)
	return version, err
}

func (s *PgStore) Snapshot(ctx context.Context, kernelID string) (acptypes.RevocationsSnapshot, error) {
	var snap acptypes.RevocationsSnapshot
	rows, err := s.pool.Query(ctx, `SELECT kind, ref_id FROM revocations`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return snap, err
		}
		switch kind {
		case "key":
			snap.Revocations.APIKeys = append(snap.Revocations.APIKeys, id)
		case "tenant":
			snap.Revocations.Tenants = append(snap.Revocations.Tenants, id)
		case "kernel":
			snap.Revocations.Kernels = append(snap.Revocations.Kernels, id)
		}
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM revocations`).Scan(&snap.RevocationsVersion); err != nil {
		return snap, err
	}
	snap.ExpiresAt = time.Now().UTC().Add(5 * time.Minute)
	return snap, nil
}
