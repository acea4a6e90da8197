// Package kernel implements the per-tenant-application embedded runtime:
// the action registry, the request pipeline, the audit emitter, and the
// adapter interfaces the host application must supply.
package kernel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/acp-systems/control-plane/pkg/acptypes"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler is the function a pack registers for one action. ctx carries
// everything the handler is allowed to touch: tenant, api key, scopes,
// dry-run flag, request id, adapters, bindings, and the injected
// executor/control-plane handles.
type Handler func(rc *RequestContext, params map[string]interface{}) (*HandlerResult, error)

// HandlerResult is what a handler returns. Impact is required when
// rc.DryRun is true; absent Impact on a dry-run is an implementation
// error (enforced by the router, not the handler).
type HandlerResult struct {
	Data   map[string]interface{}
	Impact *Impact
}

// Impact is the typed summary a dry-run handler must return.
type Impact struct {
	Creates          []map[string]interface{} `json:"creates"`
	Updates          []map[string]interface{} `json:"updates"`
	Deletes          []map[string]interface{} `json:"deletes"`
	SideEffects      []string                 `json:"side_effects"`
	Risk             string                   `json:"risk"`
	Warnings         []string                 `json:"warnings"`
	EstimatedCost    *float64                  `json:"estimated_cost,omitempty"`
	RequiresApproval *bool                     `json:"requires_approval,omitempty"`
}

// registeredAction pairs a descriptor with its compiled schema and handler.
type registeredAction struct {
	descriptor        acptypes.ActionDescriptor
	schema            *jsonschema.Schema
	handler           Handler
	paramsSummaryKeys []string
}

// Pack is a registration bundle of related actions sharing the first
// dotted segment of their names. Packs are supplied at boot only; the
// registry they produce is frozen thereafter.
type Pack struct {
	Name    string
	Actions []ActionSpec
}

// ActionSpec is what a pack registers for one action, before the
// registry compiles its schema.
type ActionSpec struct {
	Name           string
	RequiredScope  string
	Description    string
	ParamSchema    map[string]interface{}
	SupportsDryRun bool
	// Mutates marks a write action: it is eligible for dry-run,
	// ceiling checks, and the write-side degradation policy. Reads
	// leave this false.
	Mutates bool
	// ParamsSummaryKeys is the small, action-defined allowlist of
	// top-level param keys projected into params_summary for policy
	// evaluation (spec §4.1 step 12). Never nested request bodies.
	ParamsSummaryKeys []string
	Handler           Handler
}

// ActionRegistry is built once at start-up from the built-in meta pack
// plus user packs, then read-only for the lifetime of the process — the
// only global mutable state the kernel needs besides the decision cache
// (spec §9).
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]*registeredAction
	packs   []string
}

// NewActionRegistry merges the built-in meta pack with userPacks and
// enforces the uniqueness invariant: no two actions (including meta's)
// may share a name.
func NewActionRegistry(userPacks ...Pack) (*ActionRegistry, error) {
	r := &ActionRegistry{actions: make(map[string]*registeredAction)}
	allPacks := append([]Pack{r.metaPack()}, userPacks...)
	for _, p := range allPacks {
		for _, spec := range p.Actions {
			if err := r.register(p.Name, spec); err != nil {
				return nil, err
			}
		}
		r.packs = append(r.packs, p.Name)
	}
	return r, nil
}

func (r *ActionRegistry) register(pack string, spec ActionSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[spec.Name]; exists {
		return fmt.Errorf("kernel: duplicate action name %q", spec.Name)
	}
	if !strings.HasPrefix(spec.Name, pack+".") {
		return fmt.Errorf("kernel: action %q does not belong to pack %q", spec.Name, pack)
	}
	var compiled *jsonschema.Schema
	if len(spec.ParamSchema) > 0 {
		raw, err := json.Marshal(spec.ParamSchema)
		if err != nil {
			return fmt.Errorf("kernel: marshal schema for %q: %w", spec.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		resourceName := "mem://" + spec.Name + ".json"
		if err := compiler.AddResource(resourceName, strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("kernel: add schema resource for %q: %w", spec.Name, err)
		}
		compiled, err = compiler.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("kernel: compile schema for %q: %w", spec.Name, err)
		}
	}
	r.actions[spec.Name] = &registeredAction{
		descriptor: acptypes.ActionDescriptor{
			Name:           spec.Name,
			Pack:           pack,
			RequiredScope:  spec.RequiredScope,
			Description:    spec.Description,
			ParamSchema:    spec.ParamSchema,
			SupportsDryRun: spec.SupportsDryRun,
			Mutates:        spec.Mutates,
		},
		schema:            compiled,
		handler:           spec.Handler,
		paramsSummaryKeys: spec.ParamsSummaryKeys,
	}
	return nil
}

// Get returns the registered action by name, or ok=false.
func (r *ActionRegistry) Get(name string) (*registeredAction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// List returns all action descriptors sorted by name, for meta.actions.
func (r *ActionRegistry) List() []acptypes.ActionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]acptypes.ActionDescriptor, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams runs the action's compiled JSON-Schema subset against
// params. A nil schema (no ParamSchema declared) always passes.
func (a *registeredAction) ValidateParams(params map[string]interface{}) error {
	if a.schema == nil {
		return nil
	}
	return a.schema.Validate(params)
}

const metaAPIVersion = "1"
const metaSchemaVersion = 1

// metaPack builds the built-in meta pack: meta.actions, meta.version.
// The meta pack's action list is set exactly once per registry build
// (spec §5) because NewActionRegistry closes over r after construction
// only through the frozen r.actions map.
func (r *ActionRegistry) metaPack() Pack {
	return Pack{
		Name: "meta",
		Actions: []ActionSpec{
			{
				Name:          "meta.actions",
				RequiredScope: "",
				Description:   "List all registered actions.",
				Handler: func(rc *RequestContext, _ map[string]interface{}) (*HandlerResult, error) {
					actions := r.List()
					return &HandlerResult{Data: map[string]interface{}{
						"actions":       actions,
						"api_version":   metaAPIVersion,
						"total_actions": len(actions),
					}}, nil
				},
			},
			{
				Name:          "meta.version",
				RequiredScope: "",
				Description:   "Report kernel API and schema versions.",
				Handler: func(rc *RequestContext, _ map[string]interface{}) (*HandlerResult, error) {
					return &HandlerResult{Data: map[string]interface{}{
						"api_version":    metaAPIVersion,
						"schema_version": metaSchemaVersion,
						"actions_count":  len(r.List()),
					}}, nil
				},
			},
		},
	}
}
