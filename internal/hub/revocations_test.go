package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocations_MonotonicVersionAndNeverDelete(t *testing.T) {
	store := NewMemoryStore()
	revocations := NewRevocations(store)
	ctx := context.Background()

	v1, err := revocations.Revoke(ctx, RevokeRequest{Type: "key", ID: "key-a", Reason: "rotated"})
	require.NoError(t, err)

	v2, err := revocations.Revoke(ctx, RevokeRequest{Type: "tenant", ID: "tenant-b", Reason: "offboarded"})
	require.NoError(t, err)
	assert.Greater(t, v2, v1, "revocations_version must strictly increase")

	snap, err := revocations.Snapshot(ctx, "kernel-1")
	require.NoError(t, err)
	assert.Equal(t, v2, snap.RevocationsVersion)
	assert.Contains(t, snap.Revocations.APIKeys, "key-a", "a revoked key must never disappear from the snapshot")
	assert.Contains(t, snap.Revocations.Tenants, "tenant-b")

	// Re-revoking the same key must not remove it and must still advance
	// the version (append-only, never-delete semantics).
	v3, err := revocations.Revoke(ctx, RevokeRequest{Type: "key", ID: "key-a", Reason: "re-revoked"})
	require.NoError(t, err)
	assert.Greater(t, v3, v2)

	snap2, err := revocations.Snapshot(ctx, "kernel-1")
	require.NoError(t, err)
	assert.Contains(t, snap2.Revocations.APIKeys, "key-a")
}

func TestRevocations_RejectsUnknownType(t *testing.T) {
	store := NewMemoryStore()
	revocations := NewRevocations(store)
	_, err := revocations.Revoke(context.Background(), RevokeRequest{Type: "bogus", ID: "x"})
	assert.Error(t, err)
}
