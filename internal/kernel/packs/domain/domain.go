// Package domain is a second illustrative example pack, used by the
// conformance suite's literal end-to-end scenarios (spec §8): publisher
// listing/deletion and lead-scoring model creation.
package domain

import (
	"sync"

	"github.com/google/uuid"

	"github.com/acp-systems/control-plane/internal/kernel"
)

// Store is a tiny in-memory backing store for the domain pack's
// illustrative resources, kept deliberately separate from the kernel's
// own DbAdapter since these are host-application resources, not kernel
// infrastructure.
type Store struct {
	mu         sync.Mutex
	publishers map[string]map[string]interface{}
	models     map[string]map[string]interface{}
}

func NewStore() *Store {
	return &Store{
		publishers: map[string]map[string]interface{}{"p1": {"id": "p1", "name": "Acme Publisher"}},
		models:     map[string]map[string]interface{}{},
	}
}

func Pack(store *Store) kernel.Pack {
	return kernel.Pack{
		Name: "domain",
		Actions: []kernel.ActionSpec{
			publishersListAction(store),
			publishersDeleteAction(store),
			leadscoringCreateAction(store),
		},
	}
}

func publishersListAction(store *Store) kernel.ActionSpec {
	return kernel.ActionSpec{
		Name:          "domain.publishers.list",
		RequiredScope: "manage.read",
		Description:   "List publishers.",
		Handler: func(rc *kernel.RequestContext, _ map[string]interface{}) (*kernel.HandlerResult, error) {
			store.mu.Lock()
			defer store.mu.Unlock()
			out := make([]map[string]interface{}, 0, len(store.publishers))
			for _, p := range store.publishers {
				out = append(out, p)
			}
			return &kernel.HandlerResult{Data: map[string]interface{}{"publishers": out, "count": len(out)}}, nil
		},
	}
}

func publishersDeleteAction(store *Store) kernel.ActionSpec {
	return kernel.ActionSpec{
		Name:          "domain.publishers.delete",
		RequiredScope: "manage.publishers",
		Description:   "Delete a publisher.",
		Mutates:       true,
		SupportsDryRun: true,
		ParamSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"id"},
		},
		ParamsSummaryKeys: []string{"id"},
		Handler: func(rc *kernel.RequestContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
			id, _ := params["id"].(string)
			if rc.DryRun {
				return &kernel.HandlerResult{Impact: &kernel.Impact{
					Deletes: []map[string]interface{}{{"type": "publisher", "id": id}},
					Risk:    "medium",
				}}, nil
			}
			store.mu.Lock()
			delete(store.publishers, id)
			store.mu.Unlock()
			return &kernel.HandlerResult{
				Data:   map[string]interface{}{"id": id, "deleted": true},
				Impact: &kernel.Impact{Deletes: []map[string]interface{}{{"type": "publisher", "id": id}}, Risk: "medium"},
			}, nil
		},
	}
}

func leadscoringCreateAction(store *Store) kernel.ActionSpec {
	return kernel.ActionSpec{
		Name:          "domain.leadscoring.models.create",
		RequiredScope: "manage.leadscoring",
		Description:   "Create a lead-scoring model.",
		Mutates:       true,
		ParamSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"name"},
		},
		ParamsSummaryKeys: []string{"name"},
		Handler: func(rc *kernel.RequestContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
			name, _ := params["name"].(string)
			id := uuid.NewString()
			model := map[string]interface{}{"id": id, "name": name}
			store.mu.Lock()
			store.models[id] = model
			store.mu.Unlock()
			return &kernel.HandlerResult{
				Data:   model,
				Impact: &kernel.Impact{Creates: []map[string]interface{}{{"type": "leadscoring_model", "id": id, "count": 1}}, Risk: "low"},
			}, nil
		},
	}
}
