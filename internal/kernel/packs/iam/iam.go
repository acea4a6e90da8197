// Package iam is an illustrative example domain pack (spec §1: "example
// domain packs... are illustrative call-outs", §12 supplemented
// features): API key management actions used by the conformance
// scenarios (scope denial, dry-run create).
package iam

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acp-systems/control-plane/internal/kernel"
	"github.com/acp-systems/control-plane/pkg/acptypes"
)

// Pack returns the iam pack, given the DbAdapter it operates against.
// Handlers receive the adapter through a closure rather than through
// RequestContext because DbAdapter is not part of the narrow set of
// handles the router injects (spec §4.1 step 13 names only executor and
// controlPlane) — packs close over whatever host-supplied dependencies
// they need at registration time.
func Pack(db kernel.DbAdapter) kernel.Pack {
	return kernel.Pack{
		Name: "iam",
		Actions: []kernel.ActionSpec{
			createKeyAction(db),
			revokeKeyAction(db),
			listKeysAction(db),
		},
	}
}

func createKeyAction(db kernel.DbAdapter) kernel.ActionSpec {
	return kernel.ActionSpec{
		Name:           "iam.keys.create",
		RequiredScope:  "manage.iam",
		Description:    "Create a new API key with the given scopes.",
		SupportsDryRun: true,
		Mutates:        true,
		ParamSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name":   map[string]interface{}{"type": "string"},
				"scopes": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required": []interface{}{"scopes"},
		},
		ParamsSummaryKeys: []string{"scopes"},
		Handler: func(rc *kernel.RequestContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
			scopes := toStringSlice(params["scopes"])
			name, _ := params["name"].(string)

			if rc.DryRun {
				return &kernel.HandlerResult{
					Impact: &kernel.Impact{
						Creates: []map[string]interface{}{{"type": "api_key", "count": 1, "scopes": scopes}},
						Risk:    "low",
					},
				}, nil
			}

			rec, err := db.CreateAPIKey(rc.Ctx, acptypes.APIKeyRecord{
				TenantID: rc.TenantID,
				Prefix:   uuid.NewString()[:8],
				Hash:     "", // the full key is generated and hashed by the install-time CLI, out of scope here
				Name:     name,
				Scopes:   scopes,
				Status:   acptypes.APIKeyActive,
			})
			if err != nil {
				return nil, err
			}
			return &kernel.HandlerResult{
				Data: map[string]interface{}{"id": rec.ID, "prefix": rec.Prefix},
				Impact: &kernel.Impact{
					Creates: []map[string]interface{}{{"type": "api_key", "id": rec.ID, "count": 1}},
					Risk:    "low",
				},
			}, nil
		},
	}
}

func revokeKeyAction(db kernel.DbAdapter) kernel.ActionSpec {
	return kernel.ActionSpec{
		Name:          "iam.keys.revoke",
		RequiredScope: "manage.iam",
		Description:   "Revoke an existing API key.",
		Mutates:       true,
		ParamSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"id"},
		},
		ParamsSummaryKeys: []string{"id"},
		Handler: func(rc *kernel.RequestContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
			id, _ := params["id"].(string)
			if id == "" {
				return nil, fmt.Errorf("id is required")
			}
			if err := db.RevokeAPIKey(rc.Ctx, rc.TenantID, id); err != nil {
				return nil, err
			}
			return &kernel.HandlerResult{Data: map[string]interface{}{"id": id, "revoked_at": time.Now().UTC()}}, nil
		},
	}
}

func listKeysAction(db kernel.DbAdapter) kernel.ActionSpec {
	return kernel.ActionSpec{
		Name:          "iam.keys.list",
		RequiredScope: "manage.read",
		Description:   "List API keys for the current tenant.",
		Handler: func(rc *kernel.RequestContext, _ map[string]interface{}) (*kernel.HandlerResult, error) {
			keys, err := db.ListAPIKeys(rc.Ctx, rc.TenantID)
			if err != nil {
				return nil, err
			}
			return &kernel.HandlerResult{Data: map[string]interface{}{"keys": keys, "count": len(keys)}}, nil
		},
	}
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
