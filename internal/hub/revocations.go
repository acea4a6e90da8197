package hub

import (
	"context"
	"fmt"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// Revocations implements spec §4.6's revocation surface: POST /revoke
// and GET /revocations/snapshot.
type Revocations struct {
	store Store
}

func NewRevocations(store Store) *Revocations {
	return &Revocations{store: store}
}

// RevokeRequest is the decoded body of POST /revoke.
type RevokeRequest struct {
	Type   string `json:"type"` // key | tenant | kernel
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

var validRevokeTypes = map[string]bool{"key": true, "tenant": true, "kernel": true}

func (r *Revocations) Revoke(ctx context.Context, req RevokeRequest) (int, error) {
	if !validRevokeTypes[req.Type] {
		return 0, fmt.Errorf("invalid revocation type: %s", req.Type)
	}
	if req.ID == "" {
		return 0, fmt.Errorf("id is required")
	}
	return r.store.Revoke(ctx, req.Type, req.ID, req.Reason)
}

// Snapshot returns the current revocations snapshot for a kernel. The
// invariant from spec §8 — any id present in version v remains present
// in every v' > v until explicitly removed — is upheld by the store
// never deleting revocation rows, only adding them.
func (r *Revocations) Snapshot(ctx context.Context, kernelID string) (acptypes.RevocationsSnapshot, error) {
	return r.store.Snapshot(ctx, kernelID)
}
