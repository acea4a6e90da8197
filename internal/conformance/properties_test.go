//go:build property
// +build property

package conformance

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/acp-systems/control-plane/internal/kernel"
	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/acp-systems/control-plane/pkg/canonicaljson"
)

// TestProperty_AuditRowIncrementsByExactlyOne verifies each non-replay
// request appends exactly one audit event, whatever the action outcome.
func TestProperty_AuditRowIncrementsByExactlyOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("one request appends exactly one audit row", prop.ForAll(
		func(name string, hasScope bool) bool {
			h := newHarness(t, enabledConfig())
			scopes := []string{}
			if hasScope {
				scopes = []string{"manage.leadscoring"}
			}
			apiKey := seedAPIKey(t, h, "tenant-prop", scopes)

			before := len(h.audit.Events())
			h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{
				Action: "domain.leadscoring.models.create",
				Params: map[string]interface{}{"name": name},
			})
			after := len(waitForAuditEvents(h, before+1))
			return after-before == 1
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestProperty_RequestHashIsStableHexSHA256 verifies request_hash is
// always exactly 64 lowercase hex characters and is unaffected by key
// order.
func TestProperty_RequestHashIsStableHexSHA256(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is always 64 lowercase hex chars and order-independent", prop.ForAll(
		func(k1, v1, k2, v2 string) bool {
			if k1 == "" || k2 == "" || k1 == k2 {
				return true
			}
			forward := map[string]interface{}{k1: v1, k2: v2}
			backward := map[string]interface{}{k2: v2, k1: v1}

			hf, err1 := canonicaljson.Hash(forward)
			hb, err2 := canonicaljson.Hash(backward)
			if err1 != nil || err2 != nil {
				return false
			}
			if hf != hb {
				return false
			}
			if len(hf) != 64 {
				return false
			}
			for _, c := range hf {
				if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestProperty_SensitiveFieldChangeDoesNotChangeHash verifies that
// varying the value of the sensitive "token" field, with the "id" field
// held fixed, never changes the request hash. The opposite direction
// (a non-sensitive change alters the hash) is not checked here.
func TestProperty_SensitiveFieldChangeDoesNotChangeHash(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("token value never affects the hash", prop.ForAll(
		func(id, tokenA, tokenB string) bool {
			a := map[string]interface{}{"id": id, "token": tokenA}
			b := map[string]interface{}{"id": id, "token": tokenB}
			ha, err1 := canonicaljson.Hash(a)
			hb, err2 := canonicaljson.Hash(b)
			return err1 == nil && err2 == nil && ha == hb
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestProperty_ScopeGateAppliesToEveryMutatingAction verifies that
// every registered mutating action, called by a key with none of the
// required scope, is denied with SCOPE_DENIED rather than succeeding.
func TestProperty_ScopeGateAppliesToEveryMutatingAction(t *testing.T) {
	mutatingActions := []string{"iam.keys.create", "iam.keys.revoke", "domain.publishers.delete", "domain.leadscoring.models.create"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("a key with no scopes is denied every mutating action", prop.ForAll(
		func(idx int) bool {
			action := mutatingActions[idx%len(mutatingActions)]
			h := newHarness(t, enabledConfig())
			apiKey := seedAPIKey(t, h, "tenant-prop", nil)

			resp, status := h.router.Handle(context.Background(), authFor(apiKey), kernel.Request{
				Action: action,
				Params: map[string]interface{}{"id": "x", "name": "x", "scopes": []interface{}{}},
			})
			return !resp.OK && status == acptypes.CodeScopeDenied.HTTPStatus() && resp.Code == acptypes.CodeScopeDenied
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestProperty_TenantIsolation verifies a tenant can never see another
// tenant's API keys through iam.keys.list.
func TestProperty_TenantIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("iam.keys.list never returns another tenant's keys", prop.ForAll(
		func(tenantA, tenantB string) bool {
			if tenantA == "" || tenantB == "" || tenantA == tenantB {
				return true
			}
			h := newHarness(t, enabledConfig())
			seedAPIKey(t, h, tenantA, []string{"manage.read"})
			keyB := seedAPIKey(t, h, tenantB, []string{"manage.read"})

			resp, status := h.router.Handle(context.Background(), authFor(keyB), kernel.Request{Action: "iam.keys.list"})
			if status != 200 || !resp.OK {
				return false
			}
			keys, _ := resp.Data["keys"].([]acptypes.APIKeyRecord)
			for _, k := range keys {
				if k.TenantID != tenantB {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
