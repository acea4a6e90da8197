package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// The in-memory adapters below mirror the teacher's
// internal/store/memory.go idiom: each adapter keeps its map(s) behind
// its own mutex, no external dependencies. They back the
// conformance tests and are a reasonable default for a single-process
// host during development.

// MemoryDbAdapter implements DbAdapter over an in-process map.
type MemoryDbAdapter struct {
	mu   sync.RWMutex
	keys map[string]*acptypes.APIKeyRecord // id -> record
}

func NewMemoryDbAdapter() *MemoryDbAdapter {
	return &MemoryDbAdapter{keys: make(map[string]*acptypes.APIKeyRecord)}
}

func (m *MemoryDbAdapter) GetAPIKeyByPrefixAndHash(_ context.Context, prefix, hash string) (*acptypes.APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.Prefix == prefix && k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryDbAdapter) CreateAPIKey(_ context.Context, rec acptypes.APIKeyRecord) (*acptypes.APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt
	cp := rec
	m.keys[rec.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryDbAdapter) RevokeAPIKey(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.TenantID != tenantID {
		return fmt.Errorf("kernel: api key %q not found for tenant %q", id, tenantID)
	}
	k.Status = acptypes.APIKeyRevoked
	k.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryDbAdapter) ListAPIKeys(_ context.Context, tenantID string) ([]acptypes.APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []acptypes.APIKeyRecord
	for _, k := range m.keys {
		if k.TenantID == tenantID {
			out = append(out, *k)
		}
	}
	return out, nil
}

// HashKey computes the storage hash of a full API key value.
func HashKey(full string) string {
	sum := sha256.Sum256([]byte(full))
	return hex.EncodeToString(sum[:])
}

// MemoryAuditAdapter appends events to an in-process slice. Production
// deployments use HTTPAuditAdapter instead (http_adapters.go).
type MemoryAuditAdapter struct {
	mu     sync.Mutex
	events []acptypes.AuditEvent
}

func NewMemoryAuditAdapter() *MemoryAuditAdapter {
	return &MemoryAuditAdapter{}
}

func (m *MemoryAuditAdapter) LogEvent(_ context.Context, event acptypes.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.EventID == event.EventID {
			return nil // duplicate event_id is a silent no-op, spec §4.5
		}
	}
	m.events = append(m.events, event)
	return nil
}

// Log is the deprecated legacy shim (spec §9): it derives pack from the
// action string and constructs an AuditEvent on the fly.
func (m *MemoryAuditAdapter) Log(ctx context.Context, legacy LegacyAuditEntry) error {
	pack := legacy.Action
	for i, c := range legacy.Action {
		if c == '.' {
			pack = legacy.Action[:i]
			break
		}
	}
	return m.LogEvent(ctx, acptypes.AuditEvent{
		EventID:       uuid.NewString(),
		EventVersion:  1,
		SchemaVersion: 1,
		TS:            time.Now().UnixMilli(),
		TenantID:      legacy.TenantID,
		Integration:   legacy.Integration,
		Pack:          pack,
		Action:        legacy.Action,
		Status:        legacy.Status,
		Actor:         acptypes.Actor{Type: "system", ID: legacy.ActorID},
	})
}

// Events returns a snapshot of all recorded events, for tests.
func (m *MemoryAuditAdapter) Events() []acptypes.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]acptypes.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// MemoryIdempotencyAdapter stores replay responses with a TTL.
type MemoryIdempotencyAdapter struct {
	mu    sync.Mutex
	store map[string]idempotencyEntry
}

type idempotencyEntry struct {
	response map[string]interface{}
	expires  time.Time
}

func NewMemoryIdempotencyAdapter() *MemoryIdempotencyAdapter {
	return &MemoryIdempotencyAdapter{store: make(map[string]idempotencyEntry)}
}

func idempotencyKey(tenant, action, key string) string {
	return tenant + "\x00" + action + "\x00" + key
}

func (m *MemoryIdempotencyAdapter) GetReplay(_ context.Context, tenant, action, key string) (map[string]interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[idempotencyKey(tenant, action, key)]
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.response, true, nil
}

func (m *MemoryIdempotencyAdapter) StoreReplay(_ context.Context, tenant, action, key string, response map[string]interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[idempotencyKey(tenant, action, key)] = idempotencyEntry{response: response, expires: time.Now().Add(ttl)}
	return nil
}

// MemoryRateLimitAdapter is a fixed-window counter per (api_key_id, action).
type MemoryRateLimitAdapter struct {
	mu       sync.Mutex
	windows  map[string]*rateWindow
	windowDur time.Duration
}

type rateWindow struct {
	count      int
	windowEnds time.Time
}

func NewMemoryRateLimitAdapter() *MemoryRateLimitAdapter {
	return &MemoryRateLimitAdapter{windows: make(map[string]*rateWindow), windowDur: time.Minute}
}

func (m *MemoryRateLimitAdapter) Check(_ context.Context, apiKeyID, action string, limit int) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := apiKeyID + "\x00" + action
	now := time.Now()
	w, ok := m.windows[key]
	if !ok || now.After(w.windowEnds) {
		w = &rateWindow{count: 0, windowEnds: now.Add(m.windowDur)}
		m.windows[key] = w
	}
	w.count++
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: w.count <= limit, Limit: limit, Remaining: remaining}, nil
}

// MemoryCeilingsAdapter enforces a small static table of hard ceilings.
type MemoryCeilingsAdapter struct {
	mu     sync.Mutex
	usage  map[string]float64
	limits map[string]float64
}

// NewMemoryCeilingsAdapter takes per-ceiling-name hard limits, e.g.
// {"per_day": 1000, "per_month": 20000, "per_transfer": 5000}.
func NewMemoryCeilingsAdapter(limits map[string]float64) *MemoryCeilingsAdapter {
	return &MemoryCeilingsAdapter{usage: make(map[string]float64), limits: limits}
}

// ceilingNameFor maps an action to the ceiling bucket it should be
// checked against. Bulk/disbursement-shaped actions map to per_transfer.
func ceilingNameFor(action string) (string, bool) {
	switch {
	case hasSuffix(action, ".disburse"), hasSuffix(action, ".transfer"), hasSuffix(action, ".bulk_delete"):
		return "per_transfer", true
	default:
		return "", false
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func (m *MemoryCeilingsAdapter) Check(_ context.Context, action string, params map[string]interface{}, tenantID string) error {
	name, applies := ceilingNameFor(action)
	if !applies {
		return nil
	}
	limit, ok := m.limits[name]
	if !ok {
		return nil
	}
	amount, _ := params["amount"].(float64)
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name + "\x00" + tenantID
	newUsage := m.usage[key] + amount
	if newUsage > limit {
		return &ErrCeilingExceeded{Ceiling: name, Limit: limit, Value: newUsage}
	}
	m.usage[key] = newUsage
	return nil
}

func (m *MemoryCeilingsAdapter) GetUsage(_ context.Context, ceilingName, tenantID, period string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[ceilingName+"\x00"+tenantID], nil
}

// MemoryControlPlaneAdapter is a test double for ControlPlaneAdapter; by
// default it allows everything. Tests configure Decide to exercise
// deny/require_approval/unavailable paths.
type MemoryControlPlaneAdapter struct {
	Decide func(ctx context.Context, req AuthorizeRequest) (*acptypes.DecisionToken, error)
}

func NewMemoryControlPlaneAdapter() *MemoryControlPlaneAdapter {
	return &MemoryControlPlaneAdapter{
		Decide: func(_ context.Context, _ AuthorizeRequest) (*acptypes.DecisionToken, error) {
			return &acptypes.DecisionToken{
				DecisionID:    uuid.NewString(),
				Decision:      acptypes.DecisionAllow,
				PolicyVersion: "memory",
				DecisionTTLMS: 5000,
			}, nil
		},
	}
}

func (m *MemoryControlPlaneAdapter) Authorize(ctx context.Context, req AuthorizeRequest) (*acptypes.DecisionToken, error) {
	return m.Decide(ctx, req)
}

// MemoryExecutorAdapter is a test double for ExecutorAdapter.
type MemoryExecutorAdapter struct {
	Run func(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace map[string]interface{}) (*ExecutorResult, error)
}

func NewMemoryExecutorAdapter() *MemoryExecutorAdapter {
	return &MemoryExecutorAdapter{
		Run: func(_ context.Context, _ string, params map[string]interface{}, _ string, _ map[string]interface{}) (*ExecutorResult, error) {
			return &ExecutorResult{Data: map[string]interface{}{"ok": true}}, nil
		},
	}
}

func (m *MemoryExecutorAdapter) Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace map[string]interface{}) (*ExecutorResult, error) {
	return m.Run(ctx, endpoint, params, tenantID, trace)
}
