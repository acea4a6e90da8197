package kve

import (
	"context"
	"sync"
	"time"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// MemoryStore backs cmd/kve when no database is configured, following
// the teacher's MemoryStore mutex-guarded-map idiom.
type MemoryStore struct {
	mu           sync.RWMutex
	serviceKeys  map[string]*acptypes.ServiceKey // key: KeyHMAC
	allowlist    map[string]*acptypes.ActionAllowlistEntry // key: integration:action
	integrations map[string]*acptypes.TenantIntegration    // key: tenantID:integration
	secrets      map[string]string                         // key: secretName -> token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		serviceKeys:  map[string]*acptypes.ServiceKey{},
		allowlist:    map[string]*acptypes.ActionAllowlistEntry{},
		integrations: map[string]*acptypes.TenantIntegration{},
		secrets:      map[string]string{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) PutServiceKey(k acptypes.ServiceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceKeys[k.KeyHMAC] = &k
}

func (s *MemoryStore) PutAllowlistEntry(e acptypes.ActionAllowlistEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowlist[e.Integration+":"+e.Action] = &e
}

func (s *MemoryStore) PutTenantIntegration(ti acptypes.TenantIntegration, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[ti.TenantID+":"+ti.Integration] = &ti
	s.secrets[ti.SecretName] = secret
}

func (s *MemoryStore) GetServiceKeyByHMAC(ctx context.Context, hmac string) (*acptypes.ServiceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.serviceKeys[hmac]
	if !ok {
		return nil, &ErrNotFound{Entity: "service_key", Key: hmac}
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetAllowlistEntry(ctx context.Context, integration, action string) (*acptypes.ActionAllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.allowlist[integration+":"+action]
	if !ok {
		return nil, &ErrNotFound{Entity: "allowlist_entry", Key: integration + ":" + action}
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetTenantIntegration(ctx context.Context, tenantID, integration string) (*acptypes.TenantIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ti, ok := s.integrations[tenantID+":"+integration]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant_integration", Key: tenantID + ":" + integration}
	}
	cp := *ti
	return &cp, nil
}

func (s *MemoryStore) TouchServiceKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.serviceKeys {
		if k.ID == id {
			now := time.Now().UTC()
			k.LastUsedAt = &now
		}
	}
	return nil
}

func (s *MemoryStore) ResolveSecret(ctx context.Context, secretName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.secrets[secretName]
	if !ok {
		return "", &ErrNotFound{Entity: "secret", Key: secretName}
	}
	return token, nil
}
