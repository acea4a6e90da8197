package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/acp-systems/control-plane/pkg/canonicaljson"
)

const policyCacheTTL = 5 * time.Second

// AuthorizeRequest is the decoded body of POST /authorize.
type AuthorizeRequest struct {
	OrganisationID      string                 `json:"organisation_id"`
	KernelID            string                 `json:"kernel_id"`
	TenantID            string                 `json:"tenant_id"`
	Actor               acptypes.Actor         `json:"actor"`
	Action              string                 `json:"action"`
	RequestHash         string                 `json:"request_hash"`
	ParamsSummary       map[string]interface{} `json:"params_summary,omitempty"`
	ParamsSummarySchema string                 `json:"params_summary_schema_id,omitempty"`
}

type policySetEntry struct {
	policies      []acptypes.Policy
	policyVersion string
	loadedAt      time.Time
}

// DecisionEngine serves POST /authorize (spec §4.4): resolve the
// policy set for (organisation_id, kernel_id) through a TTL cache with
// single-flight refresh, then evaluate policies in priority order.
type DecisionEngine struct {
	store        Store
	mu           sync.RWMutex
	cache        map[string]policySetEntry
	flight       singleflight.Group
}

func NewDecisionEngine(store Store) *DecisionEngine {
	return &DecisionEngine{
		store: store,
		cache: map[string]policySetEntry{},
	}
}

// Authorize implements the evaluation algorithm of spec §4.4.
func (e *DecisionEngine) Authorize(ctx context.Context, req AuthorizeRequest) (*acptypes.DecisionToken, error) {
	entry, err := e.loadPolicySet(ctx, req.OrganisationID, req.KernelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecisionStoreUnreachable, err)
	}

	now := time.Now().UTC()
	for _, p := range entry.policies {
		if p.TenantID != "" && p.TenantID != req.TenantID {
			continue
		}
		matched, err := conditionMatches(p.Condition, req, now)
		if err != nil {
			continue // a malformed condition never matches; it does not abort evaluation
		}
		if !matched {
			continue
		}
		return e.finalize(ctx, req, entry.policyVersion, effectToDecision(p.Effect), p.ID, p.Reason)
	}

	// No policy matched: organisation default (default-deny for writes,
	// default-allow for reads — spec §4.4 step 4).
	org, err := e.store.GetOrganisation(ctx, req.OrganisationID)
	defaultAllow := false
	if err == nil {
		if isReadAction(req.Action) {
			defaultAllow = org.DefaultAllowReads
		} else {
			defaultAllow = org.DefaultAllowWrites
		}
	}
	decision := acptypes.DecisionDeny
	reason := "no matching policy; organisation default deny"
	if defaultAllow {
		decision = acptypes.DecisionAllow
		reason = "no matching policy; organisation default allow"
	}
	return e.finalize(ctx, req, entry.policyVersion, decision, "", reason)
}

func (e *DecisionEngine) finalize(ctx context.Context, req AuthorizeRequest, policyVersion string, decision acptypes.Decision, policyID, reason string) (*acptypes.DecisionToken, error) {
	token := acptypes.DecisionToken{
		DecisionID:    uuid.NewString(),
		Decision:      decision,
		Reason:        reason,
		PolicyID:      policyID,
		PolicyVersion: policyVersion,
		DecisionTTLMS: policyCacheTTL.Milliseconds(),
	}
	if decision == acptypes.DecisionRequireApproval {
		token.ApprovalID = uuid.NewString()
	}
	// An allow decision is never returned to the caller without first
	// being persisted: spec §8's "hub authorise" invariant.
	if err := e.store.PutDecision(ctx, req.OrganisationID, req.KernelID, token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecisionStoreUnreachable, err)
	}
	return &token, nil
}

func (e *DecisionEngine) loadPolicySet(ctx context.Context, organisationID, kernelID string) (policySetEntry, error) {
	key := organisationID + ":" + kernelID

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < policyCacheTTL {
		return entry, nil
	}

	result, err, _ := e.flight.Do(key, func() (interface{}, error) {
		policies, err := e.store.ListEnabledPolicies(ctx, organisationID, kernelID)
		if err != nil {
			return policySetEntry{}, err
		}
		version, _ := canonicaljson.Hash(policies)
		fresh := policySetEntry{policies: policies, policyVersion: version, loadedAt: time.Now()}
		e.mu.Lock()
		e.cache[key] = fresh
		e.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return policySetEntry{}, err
	}
	return result.(policySetEntry), nil
}

// InvalidateKernel purges the cached policy set for a kernel, called
// when a policy is created/updated out of band (e.g. via an admin API).
func (e *DecisionEngine) InvalidateKernel(organisationID, kernelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, organisationID+":"+kernelID)
}

func effectToDecision(effect acptypes.PolicyEffect) acptypes.Decision {
	switch effect {
	case acptypes.EffectDeny:
		return acptypes.DecisionDeny
	case acptypes.EffectRequireApproval:
		return acptypes.DecisionRequireApproval
	default:
		return acptypes.DecisionAllow
	}
}

func isReadAction(action string) bool {
	parts := strings.Split(action, ".")
	last := parts[len(parts)-1]
	switch last {
	case "list", "get", "read", "show", "status":
		return true
	default:
		return false
	}
}

// recognisedConditionKeys is the closed set of condition keys
// conditionMatches understands. A condition authored with any other
// key is a policy-authoring error; per spec §3's condition shape, an
// unrecognised key must fail the match rather than silently pass it
// (a pass-through would make a deny policy deny unconditionally and
// an allow policy allow unconditionally, regardless of what the
// author actually meant to gate on).
var recognisedConditionKeys = map[string]bool{
	"action":      true,
	"tenant_id":   true,
	"actor_type":  true,
	"time_window": true,
	"amount":      true,
	"expr":        true,
}

// conditionMatches evaluates a policy's condition object against the
// request. Recognised named keys are checked directly (glob action
// match, tenant/actor-type match, time window, amount ceiling); an
// optional "expr" key carries an arbitrary boolean expression
// evaluated via expr-lang/expr against
// { action, actor_type, tenant_id, params_summary, now }. Absence of a
// referenced params_summary field means the condition does not match,
// per spec §4.4 step 3.
func conditionMatches(condition map[string]interface{}, req AuthorizeRequest, now time.Time) (bool, error) {
	if len(condition) == 0 {
		return true, nil
	}
	for key := range condition {
		if !recognisedConditionKeys[key] {
			return false, nil
		}
	}
	if actionPattern, ok := condition["action"].(string); ok {
		if !actionGlobMatch(actionPattern, req.Action) {
			return false, nil
		}
	}
	if tenantID, ok := condition["tenant_id"].(string); ok && tenantID != "" {
		if tenantID != req.TenantID {
			return false, nil
		}
	}
	if actorType, ok := condition["actor_type"].(string); ok && actorType != "" {
		if actorType != req.Actor.Type {
			return false, nil
		}
	}
	if window, ok := condition["time_window"].(map[string]interface{}); ok {
		if !withinTimeWindow(window, now) {
			return false, nil
		}
	}
	if amountCond, ok := condition["amount"].(map[string]interface{}); ok {
		matched, present := amountCeilingMatches(amountCond, req.ParamsSummary)
		if !present || !matched {
			return false, nil
		}
	}
	if exprSrc, ok := condition["expr"].(string); ok && exprSrc != "" {
		env := map[string]interface{}{
			"action":         req.Action,
			"actor_type":     req.Actor.Type,
			"tenant_id":      req.TenantID,
			"params_summary": req.ParamsSummary,
			"now":            now.Unix(),
		}
		program, err := expr.Compile(exprSrc, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, err
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return false, err
		}
		matched, _ := out.(bool)
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// actionGlobMatch supports a single-segment "*" wildcard per spec §4.4
// step 3: "*" stands for exactly one dot-delimited segment, so
// "iam.keys.*" matches "iam.keys.create" but not "iam.keys" or
// "iam.keys.create.extra".
func actionGlobMatch(pattern, action string) bool {
	if pattern == action {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	actionParts := strings.Split(action, ".")
	if len(patternParts) != len(actionParts) {
		return false
	}
	for i, p := range patternParts {
		if p == "*" {
			continue
		}
		if p != actionParts[i] {
			return false
		}
	}
	return true
}

// amountCeilingMatches evaluates spec §3's amount-ceiling condition,
// `{field, max}` read against params_summary: the condition matches
// when the named field's numeric value exceeds max. present is false
// when the field is absent from params_summary or either operand
// isn't numeric, in which case the caller treats the condition as not
// matched rather than erroring.
func amountCeilingMatches(cond map[string]interface{}, summary map[string]interface{}) (matched bool, present bool) {
	field, ok := cond["field"].(string)
	if !ok || field == "" {
		return false, false
	}
	max, ok := toFloat64(cond["max"])
	if !ok {
		return false, false
	}
	value, ok := toFloat64(summary[field])
	if !ok {
		return false, false
	}
	return value > max, true
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// withinTimeWindow evaluates spec §3's time-window condition: an
// optional IANA timezone (default UTC), an optional days-of-week
// allowlist, and an hour range in that timezone. A window with no
// start/end hour and no days is treated as always-open.
func withinTimeWindow(window map[string]interface{}, now time.Time) bool {
	loc := time.UTC
	if tz, ok := window["timezone"].(string); ok && tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if days, ok := window["days"].([]interface{}); ok && len(days) > 0 {
		matched := false
		for _, d := range days {
			if dayMatches(d, local.Weekday()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	startHour, _ := window["start_hour"].(float64)
	endHour, _ := window["end_hour"].(float64)
	if startHour == 0 && endHour == 0 {
		return true
	}
	hour := float64(local.Hour())
	if startHour <= endHour {
		return hour >= startHour && hour < endHour
	}
	// wraps past midnight
	return hour >= startHour || hour < endHour
}

// dayMatches accepts either a weekday name ("mon", "Monday", ...) or a
// numeric day (0=Sunday..6=Saturday, matching time.Weekday).
func dayMatches(d interface{}, wd time.Weekday) bool {
	switch v := d.(type) {
	case string:
		if len(v) >= 3 {
			return strings.EqualFold(v, wd.String()) || strings.EqualFold(v, wd.String()[:3])
		}
		return strings.EqualFold(v, wd.String()[:len(v)])
	case float64:
		return int(v) == int(wd)
	default:
		return false
	}
}
