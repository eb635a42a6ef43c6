package metadata

import (
	"sort"
	"sync/atomic"
)

// snapshot is one immutable view of all loaded metadata. A reload builds a
// fresh snapshot and publishes it with a single pointer swap, so a request
// that started under the old metadata keeps seeing the old metadata until
// it finishes.
type snapshot struct {
	entities          map[string]*Entity
	relationsBySource map[string][]*Relation // keyed by source entity name
	relationsByName   map[string]*Relation   // keyed by relation name
	rulesByEntity     map[string][]*Rule     // active rules keyed by entity, ordered by priority
}

func emptySnapshot() *snapshot {
	return &snapshot{
		entities:          make(map[string]*Entity),
		relationsBySource: make(map[string][]*Relation),
		relationsByName:   make(map[string]*Relation),
		rulesByEntity:     make(map[string][]*Rule),
	}
}

type Registry struct {
	snap atomic.Pointer[snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(emptySnapshot())
	return r
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	return r.snap.Load().entities[name]
}

// AllEntities returns all registered entities.
func (r *Registry) AllEntities() []*Entity {
	snap := r.snap.Load()
	entities := make([]*Entity, 0, len(snap.entities))
	for _, e := range snap.entities {
		entities = append(entities, e)
	}
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	return r.snap.Load().relationsByName[name]
}

// GetRelationsForSource returns all relations where source matches the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	return r.snap.Load().relationsBySource[entityName]
}

// FindRelationForEntity finds a relation by name that involves the given entity
// (as source or target). Used for resolving include params.
func (r *Registry) FindRelationForEntity(relationName string, entityName string) *Relation {
	snap := r.snap.Load()
	rel := snap.relationsByName[relationName]
	if rel != nil && (rel.Source == entityName || rel.Target == entityName) {
		return rel
	}
	// Also search by target entity name as the include alias
	for _, rel := range snap.relationsByName {
		if rel.Source == entityName && rel.Target == relationName {
			return rel
		}
		if rel.Target == entityName && rel.Source == relationName {
			return rel
		}
	}
	return nil
}

// AllRelations returns all registered relations.
func (r *Registry) AllRelations() []*Relation {
	snap := r.snap.Load()
	relations := make([]*Relation, 0, len(snap.relationsByName))
	for _, rel := range snap.relationsByName {
		relations = append(relations, rel)
	}
	return relations
}

// GetRulesForEntity returns the active rules for an entity and hook, in
// priority order.
func (r *Registry) GetRulesForEntity(entityName string, hook string) []*Rule {
	var out []*Rule
	for _, rule := range r.snap.Load().rulesByEntity[entityName] {
		if rule.Hook == hook {
			out = append(out, rule)
		}
	}
	return out
}

// Load replaces all entities, relations and rules in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(entities []*Entity, relations []*Relation, rules []*Rule) {
	snap := emptySnapshot()

	for _, e := range entities {
		snap.entities[e.Name] = e
	}

	for _, rel := range relations {
		snap.relationsByName[rel.Name] = rel
		snap.relationsBySource[rel.Source] = append(snap.relationsBySource[rel.Source], rel)
	}

	snap.rulesByEntity = indexRules(rules)

	r.snap.Store(snap)
}

// LoadRules replaces only the rules, keeping entities and relations from the
// current snapshot.
func (r *Registry) LoadRules(rules []*Rule) {
	old := r.snap.Load()
	snap := &snapshot{
		entities:          old.entities,
		relationsBySource: old.relationsBySource,
		relationsByName:   old.relationsByName,
		rulesByEntity:     indexRules(rules),
	}
	r.snap.Store(snap)
}

func indexRules(rules []*Rule) map[string][]*Rule {
	byEntity := make(map[string][]*Rule)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		byEntity[rule.Entity] = append(byEntity[rule.Entity], rule)
	}
	for _, list := range byEntity {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority < list[j].Priority
		})
	}
	return byEntity
}
