package kernel

import (
	"context"
	"time"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// Adapters are the kernel's only I/O surface (spec §4.3, §9). The router
// never depends on a specific implementation — only on these interfaces.
// Each has one in-memory implementation (memory_adapters.go, for tests).
// The control-plane, audit and executor adapters also have HTTP
// implementations (http_adapters.go, for production); the rate-limit and
// idempotency adapters have a Redis-backed distributed implementation
// (redis_adapters.go). DbAdapter and CeilingsAdapter have only the
// in-memory one.

// DbAdapter is the generic query surface plus typed CRUD for API keys.
// Every method is tenant-scoped and must never return rows outside the
// given tenant id.
type DbAdapter interface {
	// GetAPIKeyByPrefixAndHash looks up the key by (prefix, hash) alone
	// — tenant is not yet known at authentication time; the returned
	// record is what establishes it (spec §4.1 step 4).
	GetAPIKeyByPrefixAndHash(ctx context.Context, prefix, hash string) (*acptypes.APIKeyRecord, error)
	CreateAPIKey(ctx context.Context, rec acptypes.APIKeyRecord) (*acptypes.APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, tenantID, id string) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]acptypes.APIKeyRecord, error)
}

// AuditAdapter is the only sink the AuditEmitter writes to. LogEvent is
// primary; Log is a legacy shim kept for one release of backward
// compatibility (spec §9) — new code must call LogEvent.
type AuditAdapter interface {
	LogEvent(ctx context.Context, event acptypes.AuditEvent) error
	// Log is deprecated: it derives pack from action and wraps legacy
	// actor fields into an AuditEvent before delegating to LogEvent.
	Log(ctx context.Context, legacy LegacyAuditEntry) error
}

// LegacyAuditEntry is the pre-AuditEvent shape some older host
// integrations still call through AuditAdapter.Log.
type LegacyAuditEntry struct {
	TenantID    string
	Integration string
	Action      string
	ActorID     string
	Status      acptypes.Status
}

// IdempotencyAdapter stores and replays responses keyed by
// (tenant, action, key).
type IdempotencyAdapter interface {
	GetReplay(ctx context.Context, tenant, action, key string) (map[string]interface{}, bool, error)
	StoreReplay(ctx context.Context, tenant, action, key string, response map[string]interface{}, ttl time.Duration) error
}

// RateLimitResult is returned by RateLimitAdapter.Check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// RateLimitAdapter enforces a fixed-window counter per (api_key_id, action).
type RateLimitAdapter interface {
	Check(ctx context.Context, apiKeyID, action string, limit int) (RateLimitResult, error)
}

// CeilingsAdapter enforces hard ceilings (per_day, per_month, per_transfer)
// for well-known mutation actions.
type CeilingsAdapter interface {
	Check(ctx context.Context, action string, params map[string]interface{}, tenantID string) error
	GetUsage(ctx context.Context, ceilingName, tenantID, period string) (float64, error)
}

// ErrCeilingExceeded is returned by CeilingsAdapter.Check on breach.
type ErrCeilingExceeded struct {
	Ceiling string
	Limit   float64
	Value   float64
}

func (e *ErrCeilingExceeded) Error() string {
	return "ceiling exceeded: " + e.Ceiling
}

// AuthorizeRequest is what the kernel sends to the ControlPlaneAdapter.
type AuthorizeRequest struct {
	KernelID            string
	TenantID            string
	Actor               acptypes.Actor
	Action              string
	RequestHash         string
	ParamsSummary       map[string]interface{}
	ParamsSummarySchema string
}

// ControlPlaneAdapter is the policy (Governance Hub) client.
type ControlPlaneAdapter interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*acptypes.DecisionToken, error)
}

// ExecutorResult is what ExecutorAdapter.Execute returns.
type ExecutorResult struct {
	Data         map[string]interface{}
	ResourceIDs  []string
	ResourceType string
	Count        int
}

// ExecutorAdapter is the Key-Vault Executor client. Trace is required —
// implementations that do not need it may ignore the value but must
// accept it (spec §9).
type ExecutorAdapter interface {
	Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace map[string]interface{}) (*ExecutorResult, error)
}
