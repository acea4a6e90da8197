package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/acp-systems/control-plane/pkg/canonicaljson"
)

const maxBodyBytes = 8 * 1024
const maxParamsSummaryBytes = 4 * 1024
const idempotencyReplayTTL = 24 * time.Hour

// Request is the kernel's public request envelope, spec §4.1.
type Request struct {
	Action         string                 `json:"action"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	DryRun         bool                   `json:"dry_run,omitempty"`
}

// Response is the kernel's public response envelope, spec §4.1.
type Response struct {
	OK                 bool             `json:"ok"`
	RequestID          string           `json:"request_id"`
	Data               map[string]interface{} `json:"data,omitempty"`
	DryRun             bool             `json:"dry_run,omitempty"`
	ConstraintsApplied []string         `json:"constraints_applied,omitempty"`
	Error              string           `json:"error,omitempty"`
	Code               acptypes.Code    `json:"code,omitempty"`
}

// AuthInput is what the HTTP layer extracts before calling the router.
type AuthInput struct {
	APIKeyHeader string // X-API-Key: prefix+body, presented verbatim
	IPAddress    string
	BodyLen      int
}

// RequestContext is passed to every action handler.
type RequestContext struct {
	Ctx          context.Context
	TenantID     string
	APIKeyID     string
	Scopes       []string
	DryRun       bool
	RequestID    string
	Bindings     acptypes.KernelBindings
	Executor     ExecutorAdapter
	ControlPlane ControlPlaneAdapter
	StartedAt    time.Time
}

// Router orchestrates the per-request pipeline described in spec §4.1.
// It is a pure function of its adapters and action registry: it
// performs no I/O outside them.
type Router struct {
	registry     *ActionRegistry
	bindings     acptypes.KernelBindings
	db           DbAdapter
	audit        *AuditEmitter
	idempotency  IdempotencyAdapter
	rateLimit    RateLimitAdapter
	ceilings     CeilingsAdapter
	controlPlane ControlPlaneAdapter // may be nil: no authorisation step is performed
	executor     ExecutorAdapter
	decisions    *decisionCache
	enabled      bool
	failMode     FailMode
	keyRateLimit int
}

// NewRouter validates bindings (fail-fast, spec §4.1's required-bindings
// invariant) and constructs the router.
func NewRouter(registry *ActionRegistry, bindings acptypes.KernelBindings, db DbAdapter, auditAdapter AuditAdapter, idempotency IdempotencyAdapter, rateLimit RateLimitAdapter, ceilings CeilingsAdapter, controlPlane ControlPlaneAdapter, executor ExecutorAdapter, cfg Config) (*Router, error) {
	if err := bindings.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: invalid bindings: %w", err)
	}
	failMode := cfg.FailMode
	if failMode == "" {
		failMode = FailClosed
	}
	keyLimit := cfg.DefaultKeyRateLimit
	if keyLimit <= 0 {
		keyLimit = 60
	}
	return &Router{
		registry:     registry,
		bindings:     bindings,
		db:           db,
		audit:        NewAuditEmitter(auditAdapter),
		idempotency:  idempotency,
		rateLimit:    rateLimit,
		ceilings:     ceilings,
		controlPlane: controlPlane,
		executor:     executor,
		decisions:    newDecisionCache(),
		enabled:      cfg.Enabled,
		failMode:     failMode,
		keyRateLimit: keyLimit,
	}, nil
}

// ObservePolicyVersion is called by the heartbeat client whenever the
// hub reports a new policy_version, invalidating the decision cache.
func (r *Router) ObservePolicyVersion(version string) { r.decisions.ObservePolicyVersion(version) }

func fail(code acptypes.Code, requestID, msg string) (*Response, int) {
	return &Response{OK: false, RequestID: requestID, Code: code, Error: msg}, code.HTTPStatus()
}

// Handle runs the full pipeline for one request. auth.BodyLen is the raw
// HTTP body size in bytes, for the size gate (step 2); the HTTP layer
// has already parsed the JSON into req by the time Handle is called.
func (r *Router) Handle(ctx context.Context, auth AuthInput, req Request) (*Response, int) {
	requestID := uuid.NewString()
	startedAt := time.Now()

	// Step 1: feature gate. No audit written.
	if !r.enabled {
		return fail(acptypes.CodeFeatureDisabled, requestID, "agentic control plane is disabled")
	}

	// Step 2: size gate.
	if auth.BodyLen > maxBodyBytes {
		return fail(acptypes.CodePayloadTooLarge, requestID, "request body exceeds 8KB")
	}

	// Step 3: envelope validation.
	if req.Action == "" {
		return fail(acptypes.CodeValidationError, requestID, "action must be a non-empty string")
	}

	// Step 4: authentication.
	apiKey, errResp, status, terminal := r.authenticate(ctx, auth, requestID)
	if terminal {
		return errResp, status
	}

	actor := acptypes.Actor{Type: "api_key", ID: apiKey.Prefix, APIKeyID: apiKey.ID}

	auditBase := EmitInput{
		TenantID:      apiKey.TenantID,
		Integration:   r.bindings.Integration,
		Actor:         actor,
		Action:        req.Action,
		RawParams:     req.Params,
		StartedAt:     startedAt,
		IdempotencyKey: req.IdempotencyKey,
		IPAddress:     auth.IPAddress,
		DryRun:        req.DryRun,
	}

	emitTerminal := func(status acptypes.Status, code acptypes.Code, errMsg string, extra func(*EmitInput)) (*Response, int) {
		in := auditBase
		in.Status = status
		in.Code = code
		if errMsg != "" {
			in.Err = fmt.Errorf("%s", errMsg)
		}
		if extra != nil {
			extra(&in)
		}
		r.audit.Emit(in)
		return fail(code, requestID, errMsg)
	}

	// Step 5: action lookup.
	action, ok := r.registry.Get(req.Action)
	if !ok {
		return emitTerminal(acptypes.StatusError, acptypes.CodeNotFound, "Unknown action: "+req.Action, func(in *EmitInput) {
			in.Pack = ""
		})
	}
	auditBase.Pack = action.descriptor.Pack

	// Step 6: dry-run gate.
	if req.DryRun && !action.descriptor.SupportsDryRun {
		return emitTerminal(acptypes.StatusError, acptypes.CodeValidationError, "action does not support dry_run", nil)
	}

	// Step 7: scope check.
	if action.descriptor.RequiredScope != "" && !apiKey.HasScope(action.descriptor.RequiredScope) {
		return emitTerminal(acptypes.StatusDenied, acptypes.CodeScopeDenied,
			"missing required scope: "+action.descriptor.RequiredScope, nil)
	}

	// Step 8: rate limit.
	limit := effectiveRateLimit(req.Action, r.keyRateLimit)
	rl, err := r.rateLimit.Check(ctx, apiKey.ID, req.Action, limit)
	if err != nil {
		return emitTerminal(acptypes.StatusError, acptypes.CodeInternalError, err.Error(), nil)
	}
	if !rl.Allowed {
		return emitTerminal(acptypes.StatusDenied, acptypes.CodeRateLimited, "rate limit exceeded", nil)
	}

	// Step 9: ceiling (mutations only).
	if action.descriptor.Mutates && r.ceilings != nil {
		if err := r.ceilings.Check(ctx, req.Action, req.Params, apiKey.TenantID); err != nil {
			return emitTerminal(acptypes.StatusDenied, acptypes.CodeCeilingExceeded, err.Error(), nil)
		}
	}

	// Step 10: idempotency replay (non-dry-run only, if key provided).
	if !req.DryRun && req.IdempotencyKey != "" {
		cached, found, err := r.idempotency.GetReplay(ctx, apiKey.TenantID, req.Action, req.IdempotencyKey)
		if err == nil && found {
			replayEvent := auditBase
			replayEvent.Status = acptypes.StatusSuccess
			r.audit.Emit(replayEvent)
			return &Response{OK: true, RequestID: requestID, Data: cached, Code: acptypes.CodeIdempotentReplay}, 200
		}
		// timeout/miss: proceed as cache miss, per §5.
	}

	// Step 11: parameter schema validation.
	if err := action.ValidateParams(req.Params); err != nil {
		return emitTerminal(acptypes.StatusError, acptypes.CodeValidationError, err.Error(), nil)
	}

	// Step 12: authorisation (reads and writes alike, when a policy
	// adapter is configured — §4.4's default-allow-for-reads and §5's
	// read-open degradation mode both presuppose that reads are
	// evaluated too; only the degradation outcome differs by mutation
	// class, via allowsOnOutage).
	var policyDecisionID, policyVersion string
	var decisionSource, degradedReason string
	if r.controlPlane != nil {
		paramsSummary := projectParamsSummary(req.Params, action.paramsSummaryKeys)
		summaryCanon, err := canonicaljson.Canonical(paramsSummary)
		if err == nil && len(summaryCanon) > maxParamsSummaryBytes {
			return emitTerminal(acptypes.StatusError, acptypes.CodePayloadTooLarge, "params_summary exceeds 4KB", nil)
		}
		requestHash, _ := canonicaljson.Hash(req.Params)

		decision, source, reason, err := r.authorize(ctx, apiKey, actor, req.Action, requestHash, paramsSummary, action.descriptor.Mutates)
		decisionSource = source
		degradedReason = reason
		if err != nil {
			return emitTerminal(acptypes.StatusError, acptypes.CodeGovernanceUnavailable, err.Error(), func(in *EmitInput) {
				in.DecisionSource = decisionSource
				in.DegradedReason = degradedReason
			})
		}
		if decision != nil {
			policyDecisionID = decision.DecisionID
			policyVersion = decision.PolicyVersion
			r.decisions.ObservePolicyVersion(decision.PolicyVersion)
			if decision.Decision == acptypes.DecisionDeny || decision.Decision == acptypes.DecisionRequireApproval {
				return emitTerminal(acptypes.StatusDenied, acptypes.CodePolicyDenied, stringOr(decision.Reason, "denied by policy"), func(in *EmitInput) {
					in.PolicyDecisionID = policyDecisionID
					in.PolicyVersion = policyVersion
					in.DecisionSource = decisionSource
				})
			}
		}
	}

	// Step 13: handler invocation.
	rc := &RequestContext{
		Ctx:          ctx,
		TenantID:     apiKey.TenantID,
		APIKeyID:     apiKey.ID,
		Scopes:       apiKey.Scopes,
		DryRun:       req.DryRun,
		RequestID:    requestID,
		Bindings:     r.bindings,
		Executor:     r.executor,
		ControlPlane: r.controlPlane,
		StartedAt:    startedAt,
	}
	result, handlerErr := r.invokeHandler(action, rc, req.Params)
	if handlerErr != nil {
		return emitTerminal(acptypes.StatusError, acptypes.CodeInternalError, handlerErr.Error(), func(in *EmitInput) {
			in.PolicyDecisionID = policyDecisionID
			in.PolicyVersion = policyVersion
			in.DecisionSource = decisionSource
			in.DegradedReason = degradedReason
		})
	}

	// Step 14: audit emission (success path).
	successEvent := auditBase
	successEvent.Status = acptypes.StatusSuccess
	successEvent.ResultMeta = deriveResultMeta(result)
	successEvent.PolicyDecisionID = policyDecisionID
	successEvent.PolicyVersion = policyVersion
	successEvent.DecisionSource = decisionSource
	successEvent.DegradedReason = degradedReason
	r.audit.Emit(successEvent)

	// Step 15: idempotency store (non-dry-run success only).
	if !req.DryRun && req.IdempotencyKey != "" {
		_ = r.idempotency.StoreReplay(ctx, apiKey.TenantID, req.Action, req.IdempotencyKey, result.Data, idempotencyReplayTTL)
	}

	resp := &Response{OK: true, RequestID: requestID, Data: result.Data, DryRun: req.DryRun}
	if req.DryRun && result.Impact != nil {
		resp.Data = impactToData(result.Impact)
	}
	return resp, 200
}

// invokeHandler catches handler panics/exceptions the way spec §4.1's
// failure semantics require: any error is surfaced as INTERNAL_ERROR by
// the caller, never escapes as a panic.
func (r *Router) invokeHandler(action *registeredAction, rc *RequestContext, params map[string]interface{}) (result *HandlerResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	result, err = action.handler(rc, params)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &HandlerResult{}
	}
	if rc.DryRun && action.descriptor.SupportsDryRun && result.Impact == nil {
		return nil, fmt.Errorf("handler for %q did not return impact on dry_run", action.descriptor.Name)
	}
	return result, nil
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// projectParamsSummary builds the small, action-defined allowlist
// projection used for policy evaluation (spec §4.1 step 12). Never
// nested request bodies — only top-level keys.
func projectParamsSummary(params map[string]interface{}, keys []string) map[string]interface{} {
	out := map[string]interface{}{}
	for _, k := range keys {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out
}

// impactToData flattens a dry-run Impact directly into the response's
// data field, per spec §8 scenario 3's literal wire contract
// (data == the impact object, not data.impact). Nil slices are
// normalised to empty arrays so the JSON encoding always shows
// creates/updates/deletes/side_effects/warnings as [] rather than null.
func impactToData(impact *Impact) map[string]interface{} {
	creates := impact.Creates
	if creates == nil {
		creates = []map[string]interface{}{}
	}
	updates := impact.Updates
	if updates == nil {
		updates = []map[string]interface{}{}
	}
	deletes := impact.Deletes
	if deletes == nil {
		deletes = []map[string]interface{}{}
	}
	sideEffects := impact.SideEffects
	if sideEffects == nil {
		sideEffects = []string{}
	}
	warnings := impact.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	data := map[string]interface{}{
		"creates":      creates,
		"updates":      updates,
		"deletes":      deletes,
		"side_effects": sideEffects,
		"risk":         impact.Risk,
		"warnings":     warnings,
	}
	if impact.EstimatedCost != nil {
		data["estimated_cost"] = *impact.EstimatedCost
	}
	if impact.RequiresApproval != nil {
		data["requires_approval"] = *impact.RequiresApproval
	}
	return data
}

// deriveResultMeta derives result_meta from a handler's impact shape,
// per spec §4.1 step 14.
func deriveResultMeta(result *HandlerResult) *acptypes.ResultMeta {
	if result == nil || result.Impact == nil {
		return nil
	}
	impact := result.Impact
	meta := &acptypes.ResultMeta{}
	if len(impact.Creates) > 0 {
		if t, ok := impact.Creates[0]["type"].(string); ok {
			meta.ResourceType = t
		}
		meta.Count = len(impact.Creates)
		for _, c := range impact.Creates {
			if id, ok := c["id"].(string); ok {
				meta.IDsCreated = append(meta.IDsCreated, id)
			}
		}
	}
	if len(impact.Updates) > 0 {
		if id, ok := impact.Updates[0]["id"].(string); ok {
			meta.ResourceID = id
		}
	}
	if len(impact.Deletes) > 0 {
		meta.Count = len(impact.Deletes)
	}
	if meta.ResourceType == "" && meta.ResourceID == "" && meta.Count == 0 && len(meta.IDsCreated) == 0 {
		return nil
	}
	return meta
}
