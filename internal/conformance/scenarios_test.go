package conformance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acp-systems/control-plane/internal/kernel"
	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/acp-systems/control-plane/pkg/canonicaljson"
)

// Scenario 1: unknown action.
func TestScenario_UnknownAction(t *testing.T) {
	h := newHarness(t, enabledConfig())
	apiKey := seedAPIKey(t, h, "tenant-1", []string{"manage.read"})

	resp, status := h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{Action: "nope.does.not.exist"})

	assert.Equal(t, 404, status)
	assert.False(t, resp.OK)
	assert.Equal(t, acptypes.CodeNotFound, resp.Code)

	events := waitForAuditEvents(h, 1)
	require.Len(t, events, 1)
	assert.Equal(t, acptypes.StatusError, events[0].Status)
}

// Scenario 2: scope denial.
func TestScenario_ScopeDenial(t *testing.T) {
	h := newHarness(t, enabledConfig())
	apiKey := seedAPIKey(t, h, "tenant-1", []string{"manage.read"}) // no manage.iam

	resp, status := h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{
		Action: "iam.keys.create",
		Params: map[string]interface{}{"scopes": []interface{}{"manage.read"}},
	})

	assert.Equal(t, acptypes.CodeScopeDenied.HTTPStatus(), status)
	assert.False(t, resp.OK)
	assert.Equal(t, acptypes.CodeScopeDenied, resp.Code)

	events := waitForAuditEvents(h, 1)
	require.Len(t, events, 1)
	assert.Equal(t, acptypes.StatusDenied, events[0].Status)
}

// Scenario 3: dry-run create reports impact and performs no write.
func TestScenario_DryRunCreate(t *testing.T) {
	h := newHarness(t, enabledConfig())
	apiKey := seedAPIKey(t, h, "tenant-1", []string{"manage.iam"})

	resp, status := h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{
		Action: "iam.keys.create",
		Params: map[string]interface{}{"scopes": []interface{}{"manage.read"}},
		DryRun: true,
	})

	require.Equal(t, 200, status)
	assert.True(t, resp.OK)
	assert.True(t, resp.DryRun)
	// data IS the impact object directly (spec §8 scenario 3), not
	// nested under a "data.impact" wrapper.
	require.Contains(t, resp.Data, "creates")
	require.Contains(t, resp.Data, "updates")
	require.Contains(t, resp.Data, "deletes")
	require.Contains(t, resp.Data, "side_effects")
	require.Contains(t, resp.Data, "risk")
	require.Contains(t, resp.Data, "warnings")

	keys, err := h.db.ListAPIKeys(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "dry_run must not create a row: only the seeded key exists")
}

// Scenario 4: idempotent replay returns the same response without
// re-invoking the handler a second time.
func TestScenario_IdempotentReplay(t *testing.T) {
	h := newHarness(t, enabledConfig())
	apiKey := seedAPIKey(t, h, "tenant-1", []string{"manage.leadscoring"})

	req := kernel.Request{
		Action:         "domain.leadscoring.models.create",
		Params:         map[string]interface{}{"name": "model-a"},
		IdempotencyKey: "req-1",
	}

	first, status1 := h.router.Handle(context.Background(), authFor(apiKey), req)
	require.Equal(t, 200, status1)
	require.True(t, first.OK)

	second, status2 := h.router.Handle(context.Background(), authFor(apiKey), req)
	require.Equal(t, 200, status2)
	require.True(t, second.OK)
	assert.Equal(t, acptypes.CodeIdempotentReplay, second.Code)
	assert.Equal(t, first.Data, second.Data)

	events := waitForAuditEvents(h, 2)
	assert.Len(t, events, 2, "both the original call and the replay are audited")
}

// Scenario 5: sanitised request hash is stable across key reordering
// and insensitive to sensitive-field changes, but changes with a
// non-sensitive field change.
func TestScenario_SanitisedHashStability(t *testing.T) {
	a := map[string]interface{}{"id": "p1", "token": "secret-abc"}
	b := map[string]interface{}{"token": "different-secret", "id": "p1"}

	ha, err := canonicaljson.Hash(a)
	require.NoError(t, err)
	hb, err := canonicaljson.Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "key order and sensitive-field value must not affect the hash")

	c := map[string]interface{}{"id": "p2", "token": "secret-abc"}
	hc, err := canonicaljson.Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc, "a non-sensitive field change must change the hash")
}

// Scenario 6: degraded authorise. With FailMode=read-open and an
// unreachable control-plane adapter, reads proceed and writes deny.
func TestScenario_DegradedAuthorise(t *testing.T) {
	cfg := enabledConfig()
	cfg.FailMode = kernel.FailReadOpen
	h := newHarness(t, cfg)
	apiKey := seedAPIKey(t, h, "tenant-1", []string{"manage.publishers", "manage.read"})

	h.controlPlane.Decide = func(_ context.Context, _ kernel.AuthorizeRequest) (*acptypes.DecisionToken, error) {
		return nil, assertUnreachable{}
	}

	// Write: must deny.
	writeResp, writeStatus := h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{
		Action: "domain.publishers.delete",
		Params: map[string]interface{}{"id": "p1"},
	})
	assert.Equal(t, acptypes.CodeGovernanceUnavailable.HTTPStatus(), writeStatus)
	assert.False(t, writeResp.OK)

	// Read: under read-open degradation, a read is still run through
	// authorize (so a hub deny policy can target it too) and proceeds
	// when the control plane is unreachable, stamped as degraded.
	before := len(waitForAuditEvents(h, 1))
	readResp, readStatus := h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{
		Action: "domain.publishers.list",
	})
	assert.Equal(t, 200, readStatus)
	assert.True(t, readResp.OK)

	events := waitForAuditEvents(h, before+1)
	require.Len(t, events, before+1)
	readEvent := events[len(events)-1]
	assert.Equal(t, "kernel_degraded", readEvent.DecisionSource)
	assert.Equal(t, "platform_unreachable", readEvent.DegradedReason)
}

type assertUnreachable struct{}

func (assertUnreachable) Error() string { return "control plane unreachable" }
