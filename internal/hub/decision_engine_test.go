package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

func TestDecisionEngine_AllowNeverReturnedWithoutPersistedDecision(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrganisation(context.Background(), &OrganisationConfig{ID: "org-1", DefaultAllowReads: true, DefaultAllowWrites: false}))
	engine := NewDecisionEngine(store)

	token, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1",
		KernelID:       "kernel-1",
		TenantID:       "tenant-1",
		Action:         "domain.publishers.list",
	})
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, acptypes.DecisionAllow, token.Decision)

	persisted, ok := store.decisions[token.DecisionID]
	require.True(t, ok, "every returned token must already be in the store")
	assert.Equal(t, token.Decision, persisted.Decision)
}

func TestDecisionEngine_DefaultDenyForWrites(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrganisation(context.Background(), &OrganisationConfig{ID: "org-1", DefaultAllowReads: true, DefaultAllowWrites: false}))
	engine := NewDecisionEngine(store)

	token, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1",
		KernelID:       "kernel-1",
		TenantID:       "tenant-1",
		Action:         "domain.publishers.delete",
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionDeny, token.Decision)
}

func TestDecisionEngine_FirstMatchingPolicyWins(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrganisation(context.Background(), &OrganisationConfig{ID: "org-1"}))
	require.NoError(t, store.CreatePolicy(context.Background(), &acptypes.Policy{
		OrganisationID: "org-1", Enabled: true, Priority: 10, Effect: acptypes.EffectDeny,
		Condition: map[string]interface{}{"action": "iam.keys.*"},
	}))
	require.NoError(t, store.CreatePolicy(context.Background(), &acptypes.Policy{
		OrganisationID: "org-1", Enabled: true, Priority: 20, Effect: acptypes.EffectAllow,
		Condition: map[string]interface{}{"action": "iam.keys.*"},
	}))
	engine := NewDecisionEngine(store)

	token, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1", Action: "iam.keys.create",
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionDeny, token.Decision, "the lower-priority-number policy must win")
}

func TestDecisionEngine_ExprCondition(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrganisation(context.Background(), &OrganisationConfig{ID: "org-1", DefaultAllowWrites: true}))
	require.NoError(t, store.CreatePolicy(context.Background(), &acptypes.Policy{
		OrganisationID: "org-1", Enabled: true, Priority: 1, Effect: acptypes.EffectDeny,
		Condition: map[string]interface{}{
			"action": "domain.publishers.disburse",
			"expr":   `params_summary["amount"] > 1000`,
		},
	}))
	engine := NewDecisionEngine(store)

	denied, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1",
		Action:        "domain.publishers.disburse",
		ParamsSummary: map[string]interface{}{"amount": 5000.0},
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionDeny, denied.Decision)

	allowed, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1",
		Action:        "domain.publishers.disburse",
		ParamsSummary: map[string]interface{}{"amount": 10.0},
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionAllow, allowed.Decision)
}

func TestDecisionEngine_AmountCeilingCondition(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrganisation(context.Background(), &OrganisationConfig{ID: "org-1", DefaultAllowWrites: true}))
	require.NoError(t, store.CreatePolicy(context.Background(), &acptypes.Policy{
		OrganisationID: "org-1", Enabled: true, Priority: 1, Effect: acptypes.EffectDeny,
		Condition: map[string]interface{}{
			"action": "domain.publishers.disburse",
			"amount": map[string]interface{}{"field": "total", "max": 500.0},
		},
	}))
	engine := NewDecisionEngine(store)

	above, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1",
		Action:        "domain.publishers.disburse",
		ParamsSummary: map[string]interface{}{"total": 501.0},
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionDeny, above.Decision, "above-ceiling must hit the deny policy")

	below, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1",
		Action:        "domain.publishers.disburse",
		ParamsSummary: map[string]interface{}{"total": 10.0},
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionAllow, below.Decision, "below-ceiling must fall through to the organisation default")

	missing, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1",
		Action:        "domain.publishers.disburse",
		ParamsSummary: map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionAllow, missing.Decision, "a missing params_summary field must not match the ceiling")
}

func TestDecisionEngine_UnrecognisedConditionKeyNeverMatches(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrganisation(context.Background(), &OrganisationConfig{ID: "org-1", DefaultAllowReads: true}))
	require.NoError(t, store.CreatePolicy(context.Background(), &acptypes.Policy{
		OrganisationID: "org-1", Enabled: true, Priority: 1, Effect: acptypes.EffectDeny,
		Condition: map[string]interface{}{"bogus_key": "whatever"},
	}))
	engine := NewDecisionEngine(store)

	token, err := engine.Authorize(context.Background(), AuthorizeRequest{
		OrganisationID: "org-1", KernelID: "k1", TenantID: "t1",
		Action: "domain.publishers.list",
	})
	require.NoError(t, err)
	assert.Equal(t, acptypes.DecisionAllow, token.Decision, "an unrecognised condition key must not match, falling through to the default")
}

func TestWithinTimeWindow_DaysAndTimezone(t *testing.T) {
	// 2026-07-31 is a Friday. 15:00 UTC is 11:00 in America/New_York.
	now := time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)

	assert.True(t, withinTimeWindow(map[string]interface{}{
		"days":       []interface{}{"fri"},
		"start_hour": 9.0, "end_hour": 17.0,
		"timezone": "America/New_York",
	}, now), "Friday 11:00 local must be inside a 09:00-17:00 local window")

	assert.False(t, withinTimeWindow(map[string]interface{}{
		"days":       []interface{}{"mon", "tue"},
		"start_hour": 0.0, "end_hour": 24.0,
	}, now), "Friday must not match a Monday/Tuesday-only window")

	assert.False(t, withinTimeWindow(map[string]interface{}{
		"start_hour": 9.0, "end_hour": 10.0,
		"timezone": "America/New_York",
	}, now), "11:00 local must not be inside a 09:00-10:00 local window")
}

func TestActionGlobMatch_SingleSegmentOnly(t *testing.T) {
	cases := []struct {
		pattern, action string
		want            bool
	}{
		{"iam.keys.*", "iam.keys.create", true},
		{"iam.keys.*", "iam.keys", false},
		{"iam.keys.*", "iam.keys.create.extra", false},
		{"iam.*", "iam.keys.create", false},
		{"iam.keys.create", "iam.keys.create", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, actionGlobMatch(c.pattern, c.action), "pattern=%q action=%q", c.pattern, c.action)
	}
}
