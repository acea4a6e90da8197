package kernel

import (
	"context"
	"errors"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// authenticate implements spec §4.1 step 4. Tenant identity is not yet
// known when this runs, so a failed authentication is audited with an
// empty tenant_id — the best a caller can do before the key record
// establishes which tenant it belongs to.
func (r *Router) authenticate(ctx context.Context, auth AuthInput, requestID string) (*acptypes.APIKeyRecord, *Response, int, bool) {
	prefixLen := r.bindings.AuthPrefixLen
	if prefixLen <= 0 {
		prefixLen = 8
	}
	if len(auth.APIKeyHeader) <= prefixLen {
		resp, status := r.auditInvalidKey(requestID, "invalid API key")
		return nil, resp, status, true
	}
	prefix := auth.APIKeyHeader[:prefixLen]
	hash := HashKey(auth.APIKeyHeader)

	rec, err := r.db.GetAPIKeyByPrefixAndHash(ctx, prefix, hash)
	if err != nil {
		resp, status := r.auditInvalidKey(requestID, err.Error())
		return nil, resp, status, true
	}
	if rec == nil || rec.Status != acptypes.APIKeyActive {
		resp, status := r.auditInvalidKey(requestID, "invalid API key")
		return nil, resp, status, true
	}
	return rec, nil, 0, false
}

func (r *Router) auditInvalidKey(requestID, msg string) (*Response, int) {
	r.audit.Emit(EmitInput{
		Integration: r.bindings.Integration,
		Actor:       acptypes.Actor{Type: "api_key", ID: "unknown"},
		Action:      "auth.invalid_key",
		Status:      acptypes.StatusError,
		Err:         errors.New(msg),
		Code:        acptypes.CodeInvalidAPIKey,
	})
	return fail(acptypes.CodeInvalidAPIKey, requestID, msg)
}

// authorize implements spec §4.1 step 12 / §4.4's consult-cache-first
// contract, plus the §5 degradation policy when the control-plane
// adapter is unreachable. It returns (decision, decisionSource,
// degradedReason, err); err is non-nil only when degradation policy
// says the request must be denied outright (GOVERNANCE_UNAVAILABLE).
func (r *Router) authorize(ctx context.Context, apiKey *acptypes.APIKeyRecord, actor acptypes.Actor, action, requestHash string, paramsSummary map[string]interface{}, mutates bool) (*acptypes.DecisionToken, string, string, error) {
	cacheKey := decisionCacheKey(action, actor, apiKey.TenantID, requestHash, r.currentPolicyVersionHint())
	if cached, ok := r.decisions.Get(cacheKey); ok {
		return &cached, "kernel_cache", "", nil
	}

	decision, err := r.controlPlane.Authorize(ctx, AuthorizeRequest{
		KernelID:      r.bindings.KernelID,
		TenantID:      apiKey.TenantID,
		Actor:         actor,
		Action:        action,
		RequestHash:   requestHash,
		ParamsSummary: paramsSummary,
	})
	if err != nil {
		if r.failMode.allowsOnOutage(mutates) {
			degraded := &acptypes.DecisionToken{Decision: acptypes.DecisionAllow}
			return degraded, "kernel_degraded", "platform_unreachable", nil
		}
		return nil, "", "", err
	}
	if decision != nil {
		key := decisionCacheKey(action, actor, apiKey.TenantID, requestHash, decision.PolicyVersion)
		r.decisions.Put(key, *decision)
	}
	return decision, "governance_hub", "", nil
}

// currentPolicyVersionHint lets the cache key degrade gracefully before
// any decision has ever been observed; an empty hint simply means the
// first lookup for a given request shape is always a miss.
func (r *Router) currentPolicyVersionHint() string {
	return r.decisions.KnownVersion()
}
