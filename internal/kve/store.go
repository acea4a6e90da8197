// Package kve implements the Key-Vault Executor: the credential
// resolution and external-service proxy kernels call through the
// ExecutorAdapter (spec §4.7).
package kve

import (
	"context"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// ErrNotFound mirrors the hub and kernel packages' not-found shape.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string { return e.Entity + " not found: " + e.Key }

// SecretResolver reads a token from the external secret store by name.
// Production deployments back this with whatever vault the host
// platform already runs (the spec deliberately leaves the concrete
// secret backend out of scope); the in-memory implementation is for
// tests.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, secretName string) (string, error)
}

// Store is the KVE's storage surface: service_keys, action_allowlist,
// tenant_integrations (spec §6).
type Store interface {
	GetServiceKeyByHMAC(ctx context.Context, hmac string) (*acptypes.ServiceKey, error)
	GetAllowlistEntry(ctx context.Context, integration, action string) (*acptypes.ActionAllowlistEntry, error)
	GetTenantIntegration(ctx context.Context, tenantID, integration string) (*acptypes.TenantIntegration, error)
	TouchServiceKey(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
