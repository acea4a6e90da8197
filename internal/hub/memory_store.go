package hub

import (
	"bytes"
	"compress/gzip"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// MemoryStore implements Store with in-memory maps, used by this
// package's tests and by cmd/hub when no database is configured, the
// way the teacher's MemoryStore backs its own test suite.
type MemoryStore struct {
	mu            sync.RWMutex
	organisations map[string]*OrganisationConfig
	policies      map[string]*acptypes.Policy
	kernels       map[string]*acptypes.KernelInventoryRecord // key: organisationID:kernelID
	kernelsByHMAC map[string]*acptypes.KernelInventoryRecord
	decisions     map[string]acptypes.DecisionToken // key: decision_id
	hotRows       map[string]acptypes.AuditHotRow   // key: event_id
	hotOrder      []string                          // insertion order, for stable query pagination
	coldBlobs     map[string][]byte
	revokedKeys   map[string]bool
	revokedTenant map[string]bool
	revokedKernel map[string]bool
	revocationVer int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		organisations: map[string]*OrganisationConfig{},
		policies:      map[string]*acptypes.Policy{},
		kernels:       map[string]*acptypes.KernelInventoryRecord{},
		kernelsByHMAC: map[string]*acptypes.KernelInventoryRecord{},
		decisions:     map[string]acptypes.DecisionToken{},
		hotRows:       map[string]acptypes.AuditHotRow{},
		coldBlobs:     map[string][]byte{},
		revokedKeys:   map[string]bool{},
		revokedTenant: map[string]bool{},
		revokedKernel: map[string]bool{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) GetOrganisation(ctx context.Context, id string) (*OrganisationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.organisations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organisation", Key: id}
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) CreateOrganisation(ctx context.Context, cfg *OrganisationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.organisations[cfg.ID] = &cp
	return nil
}

func (s *MemoryStore) ListEnabledPolicies(ctx context.Context, organisationID, kernelID string) ([]acptypes.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []acptypes.Policy
	for _, p := range s.policies {
		if p.OrganisationID != organisationID || !p.Enabled {
			continue
		}
		if p.KernelID != "" && p.KernelID != kernelID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, id string) (*acptypes.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "policy", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CreatePolicy(ctx context.Context, p *acptypes.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetKernelByHMAC(ctx context.Context, hmac string) (*acptypes.KernelInventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kernelsByHMAC[hmac]
	if !ok {
		return nil, &ErrNotFound{Entity: "kernel", Key: hmac}
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) UpsertKernel(ctx context.Context, k *acptypes.KernelInventoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := k.OrganisationID + ":" + k.ID
	if existing, ok := s.kernels[key]; ok {
		k.RegisteredAt = existing.RegisteredAt
	} else {
		k.RegisteredAt = time.Now().UTC()
	}
	cp := *k
	s.kernels[key] = &cp
	s.kernelsByHMAC[k.APIKeyHMAC] = &cp
	return nil
}

func (s *MemoryStore) MarkDegraded(ctx context.Context, kernelID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, k := range s.kernels {
		if k.ID == kernelID && k.LastHeartbeat.Before(cutoff) {
			k.Status = acptypes.KernelStatusDegraded
			s.kernels[key] = k
		}
	}
	return nil
}

func (s *MemoryStore) PutDecision(ctx context.Context, organisationID, kernelID string, token acptypes.DecisionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[token.DecisionID] = token
	return nil
}

func (s *MemoryStore) PutHotRow(ctx context.Context, row acptypes.AuditHotRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hotRows[row.EventID]; exists {
		return false, nil
	}
	row.CreatedAt = time.Now().UTC()
	s.hotRows[row.EventID] = row
	s.hotOrder = append(s.hotOrder, row.EventID)
	return true, nil
}

func (s *MemoryStore) PutColdBlob(ctx context.Context, eventID string, gzipped []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coldBlobs[eventID] = gzipped
	return nil
}

func (s *MemoryStore) QueryHotRows(ctx context.Context, filter AuditFilter) ([]acptypes.AuditHotRow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []acptypes.AuditHotRow
	for _, id := range s.hotOrder {
		row := s.hotRows[id]
		if filter.TenantID != "" && row.TenantID != filter.TenantID {
			continue
		}
		if filter.Action != "" && row.Action != filter.Action {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Since != nil && row.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && row.CreatedAt.After(*filter.Until) {
			continue
		}
		matches = append(matches, row)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].TS != matches[j].TS {
			return matches[i].TS < matches[j].TS
		}
		return matches[i].EventID < matches[j].EventID
	})

	total := len(matches)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	start := (page - 1) * limit
	if start >= total {
		return []acptypes.AuditHotRow{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, kind, id, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "key":
		s.revokedKeys[id] = true
	case "tenant":
		s.revokedTenant[id] = true
	case "kernel":
		s.revokedKernel[id] = true
	}
	s.revocationVer++
	return s.revocationVer, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, kernelID string) (acptypes.RevocationsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := acptypes.RevocationsSnapshot{
		RevocationsVersion: s.revocationVer,
		ExpiresAt:          time.Now().UTC().Add(5 * time.Minute),
	}
	for id := range s.revokedKeys {
		snap.Revocations.APIKeys = append(snap.Revocations.APIKeys, id)
	}
	for id := range s.revokedTenant {
		snap.Revocations.Tenants = append(snap.Revocations.Tenants, id)
	}
	for id := range s.revokedKernel {
		snap.Revocations.Kernels = append(snap.Revocations.Kernels, id)
	}
	sort.Strings(snap.Revocations.APIKeys)
	sort.Strings(snap.Revocations.Tenants)
	sort.Strings(snap.Revocations.Kernels)
	return snap, nil
}

// gzipBytes is the shared helper the audit-ingest background writer
// calls before PutColdBlob, keeping the gzip.Writer lifecycle in one
// place instead of duplicated per call site.
func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
