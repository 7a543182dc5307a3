package metadata

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Reserved keywords inside permission trees.
const (
	// KeywordAll grants administrator scope over every resource at its level.
	KeywordAll = "all"
	// KeywordIndividual marks that the next level is keyed by a resource id
	// supplied at request time.
	KeywordIndividual = "individual"
)

const (
	ActionGet    = "get"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// EntityDefinition declares one entity and the actions valid on it.
// Relations are nested capability keys under the entity (e.g. user.loginAs)
// whose children are scoped with all/individual/<resource id>.
type EntityDefinition struct {
	Name      string   `json:"name" yaml:"name"`
	Actions   []string `json:"actions" yaml:"actions"`
	Relations []string `json:"relations,omitempty" yaml:"relations,omitempty"`
}

// Registry is the permission definition registry: known entities, their
// legal actions, and relation keys.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*EntityDefinition
	relation map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*EntityDefinition),
		relation: make(map[string]bool),
	}
}

// DefaultRegistry returns the marketplace definitions: users (who may be
// impersonated through loginAs), listings and transactions. Transactions
// are never deleted.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Load([]*EntityDefinition{
		{Name: "user", Actions: []string{ActionGet, ActionCreate, ActionUpdate, ActionDelete}, Relations: []string{"loginAs"}},
		{Name: "listing", Actions: []string{ActionGet, ActionCreate, ActionUpdate, ActionDelete}},
		{Name: "transaction", Actions: []string{ActionGet, ActionCreate, ActionUpdate}},
	})
	return r
}

// Load replaces all entity definitions.
func (r *Registry) Load(defs []*EntityDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*EntityDefinition, len(defs))
	r.relation = make(map[string]bool)
	for _, d := range defs {
		r.entities[d.Name] = d
		for _, rel := range d.Relations {
			r.relation[rel] = true
		}
	}
}

// GetEntity returns the definition for name, or nil.
func (r *Registry) GetEntity(name string) *EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// IsRelation reports whether key is a relation declared by some entity.
func (r *Registry) IsRelation(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relation[key]
}

// IsReserved reports whether key is one of the reserved tree keywords.
func IsReserved(key string) bool {
	switch key {
	case KeywordAll, KeywordIndividual, KeyPermissions, KeyCustomCheck:
		return true
	}
	return false
}

// AllowsAction reports whether action is legal on entity. Unknown entities
// allow nothing.
func (r *Registry) AllowsAction(entity, action string) bool {
	def := r.GetEntity(entity)
	if def == nil {
		return false
	}
	for _, a := range def.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ValidateRequired checks a required-permission tree against the registry:
// every action list under a known entity key must only name that entity's
// actions, and action lists may not hang directly off reserved keywords.
// A key that is neither an entity, a relation nor a keyword may only carry
// actions when it sits directly under all, individual or a relation, where
// it names a resource id.
func (r *Registry) ValidateRequired(root *Node) error {
	return root.Walk(func(path []string, n *Node) error {
		if len(path) == 0 || len(n.Permissions) == 0 {
			return nil
		}
		key := path[len(path)-1]
		if key == KeywordAll || key == KeywordIndividual || r.IsRelation(key) {
			return fmt.Errorf("%s: actions must be declared on an entity, not on %q", strings.Join(path, "."), key)
		}
		if r.GetEntity(key) == nil {
			if len(path) > 1 && r.scopesResources(path[len(path)-2]) {
				return nil
			}
			return fmt.Errorf("%s: unknown entity %q", strings.Join(path, "."), key)
		}
		for _, a := range n.Permissions {
			if !r.AllowsAction(key, a) {
				return fmt.Errorf("%s: action %q is not valid for %s", strings.Join(path, "."), a, key)
			}
		}
		return nil
	})
}

func (r *Registry) scopesResources(key string) bool {
	return key == KeywordAll || key == KeywordIndividual || r.IsRelation(key)
}

// Entities returns the loaded definitions sorted by name.
func (r *Registry) Entities() []*EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EntityDefinition, 0, len(r.entities))
	for _, d := range r.entities {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
