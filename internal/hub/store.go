// Package hub implements the Governance Hub: the authoritative
// policy-decision, audit-ingest, revocation and kernel-registry service
// that kernels call out to (spec §4.4-§4.6).
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// ErrNotFound mirrors the teacher's storage-layer not-found shape.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string { return e.Entity + " not found: " + e.Key }

var ErrDecisionStoreUnreachable = errors.New("hub: decision store unreachable")

// AuditFilter mirrors the teacher's ListFilter/AuditFilter idiom for
// GET /audit/query.
type AuditFilter struct {
	TenantID  string
	Action    string
	Status    acptypes.Status
	Since     *time.Time
	Until     *time.Time
	Page      int
	Limit     int
}

// OrganisationConfig holds the per-organisation defaults the decision
// engine consults when no policy matches (spec §4.4 step 4).
type OrganisationConfig struct {
	ID                 string
	DefaultAllowReads  bool
	DefaultAllowWrites bool
	ColdStorageEnabled bool
	HeartbeatWindow    time.Duration
}

// PolicyStore is the narrow interface over policy rows.
type PolicyStore interface {
	ListEnabledPolicies(ctx context.Context, organisationID, kernelID string) ([]acptypes.Policy, error)
	GetPolicy(ctx context.Context, id string) (*acptypes.Policy, error)
	CreatePolicy(ctx context.Context, p *acptypes.Policy) error
}

// OrganisationStore resolves organisation-level config.
type OrganisationStore interface {
	GetOrganisation(ctx context.Context, id string) (*OrganisationConfig, error)
	CreateOrganisation(ctx context.Context, cfg *OrganisationConfig) error
}

// KernelStore is the registry's storage surface (spec §4.6 Registry).
type KernelStore interface {
	GetKernelByHMAC(ctx context.Context, hmac string) (*acptypes.KernelInventoryRecord, error)
	UpsertKernel(ctx context.Context, k *acptypes.KernelInventoryRecord) error
	MarkDegraded(ctx context.Context, kernelID string, cutoff time.Time) error
}

// DecisionLogStore persists the hot index of issued decisions, joined
// by kernel audit events on policy_decision_id (spec §4.4 step 5).
type DecisionLogStore interface {
	PutDecision(ctx context.Context, organisationID, kernelID string, token acptypes.DecisionToken) error
}

// AuditStore is the hub's hot/cold audit index (spec §4.5).
type AuditStore interface {
	// PutHotRow inserts a hot row; duplicate event_id is a silent no-op
	// (idempotent ingest).
	PutHotRow(ctx context.Context, row acptypes.AuditHotRow) (inserted bool, err error)
	// PutColdBlob stores the full sanitised event, gzip-compressed,
	// keyed by event_id. Only called when cold storage is enabled.
	PutColdBlob(ctx context.Context, eventID string, gzipped []byte) error
	QueryHotRows(ctx context.Context, filter AuditFilter) ([]acptypes.AuditHotRow, int, error)
}

// RevocationsStore tracks the versioned revocation lists (spec §4.6).
type RevocationsStore interface {
	Revoke(ctx context.Context, kind, id, reason string) (version int, err error)
	Snapshot(ctx context.Context, kernelID string) (acptypes.RevocationsSnapshot, error)
}

// Store is the union interface the hub's HTTP handlers depend on,
// mirroring the teacher's store.Store composite-interface idiom: handler
// code only ever sees Store, never a concrete backend.
type Store interface {
	PolicyStore
	OrganisationStore
	KernelStore
	DecisionLogStore
	AuditStore
	RevocationsStore

	Ping(ctx context.Context) error
	Close() error
}
