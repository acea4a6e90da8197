package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

var ErrKernelNotRegistered = errors.New("hub: kernel not registered")

// Registry implements spec §4.6's kernel registry: POST /heartbeat,
// HMAC-authenticated, flipping kernels to degraded after a missed
// heartbeat window.
type Registry struct {
	store  Store
	pepper []byte
}

func NewRegistry(store Store, pepper string) *Registry {
	return &Registry{store: store, pepper: []byte(pepper)}
}

// HMACKey computes HMAC-SHA-256(pepper, key), hex-encoded — the value
// stored in kernels.api_key_hmac and compared against on every
// heartbeat (spec §4.6).
func (r *Registry) HMACKey(key string) string {
	mac := hmac.New(sha256.New, r.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// HeartbeatRequest is the decoded body of POST /heartbeat.
type HeartbeatRequest struct {
	KernelID string   `json:"kernelId"`
	Version  string   `json:"version"`
	Packs    []string `json:"packs"`
	Env      string   `json:"env"`
	Status   string   `json:"status"`
}

// HeartbeatResponse is returned on a successful heartbeat.
type HeartbeatResponse struct {
	OK                 bool   `json:"ok"`
	KernelRegistered   bool   `json:"kernel_registered"`
	PolicyVersion      string `json:"policy_version"`
	RevocationsVersion int    `json:"revocations_version"`
}

// AuthenticateBearer resolves the presented kernel API key to its
// inventory record via its HMAC, rejecting unknown keys.
func (r *Registry) AuthenticateBearer(ctx context.Context, presentedKey string) (*acptypes.KernelInventoryRecord, error) {
	if presentedKey == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	record, err := r.store.GetKernelByHMAC(ctx, r.HMACKey(presentedKey))
	if err != nil {
		return nil, ErrKernelNotRegistered
	}
	return record, nil
}

// Heartbeat upserts the kernel's registry row and returns the
// caller's current policy_version / revocations_version so the kernel
// can decide whether to invalidate its local decision cache.
func (r *Registry) Heartbeat(ctx context.Context, kernel *acptypes.KernelInventoryRecord, req HeartbeatRequest, engine *DecisionEngine, revocations *Revocations) (*HeartbeatResponse, error) {
	kernel.Version = req.Version
	kernel.Packs = req.Packs
	kernel.Env = req.Env
	kernel.LastHeartbeat = time.Now().UTC()
	kernel.Status = acptypes.KernelStatusActive
	if err := r.store.UpsertKernel(ctx, kernel); err != nil {
		return nil, err
	}

	entry, err := engine.loadPolicySet(ctx, kernel.OrganisationID, kernel.ID)
	policyVersion := ""
	if err == nil {
		policyVersion = entry.policyVersion
	}
	snapshot, err := revocations.Snapshot(ctx, kernel.ID)
	revocationsVersion := 0
	if err == nil {
		revocationsVersion = snapshot.RevocationsVersion
	}

	return &HeartbeatResponse{
		OK:                 true,
		KernelRegistered:   true,
		PolicyVersion:      policyVersion,
		RevocationsVersion: revocationsVersion,
	}, nil
}

// SweepDegraded marks the given kernel degraded if it hasn't
// heartbeated within window. cmd/hub does not call it; nothing in this
// repository runs it on a schedule.
func (r *Registry) SweepDegraded(ctx context.Context, kernelID string, window time.Duration) error {
	return r.store.MarkDegraded(ctx, kernelID, time.Now().UTC().Add(-window))
}
