package metadata

import "sync"

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	relationsBySource map[string][]*Relation // keyed by source entity name
	relationsByName   map[string]*Relation   // keyed by relation name

	rulesByEntityHook map[string][]*Rule         // key: entity+"|"+hook
	stateMachines     map[string][]*StateMachine // key: entity
	workflowsByTrigger map[string][]*Workflow    // key: entity+"|"+field+"|"+to
	workflowsByName   map[string]*Workflow
	permissions       map[string][]*Permission // key: entity+"|"+action
	webhooksByHook    map[string][]*Webhook    // key: entity+"|"+hook
	webhooksByID      map[string]*Webhook
}

func NewRegistry() *Registry {
	return &Registry{
		entities:           make(map[string]*Entity),
		relationsBySource:  make(map[string][]*Relation),
		relationsByName:    make(map[string]*Relation),
		rulesByEntityHook:  make(map[string][]*Rule),
		stateMachines:      make(map[string][]*StateMachine),
		workflowsByTrigger: make(map[string][]*Workflow),
		workflowsByName:    make(map[string]*Workflow),
		permissions:        make(map[string][]*Permission),
		webhooksByHook:     make(map[string][]*Webhook),
		webhooksByID:       make(map[string]*Webhook),
	}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByName[name]
}

// GetRelationsForSource returns all relations where source matches the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsBySource[entityName]
}

// FindRelationForEntity finds a relation by name that involves the given entity
// (as source or target). Used for resolving include params.
func (r *Registry) FindRelationForEntity(relationName string, entityName string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel := r.relationsByName[relationName]
	if rel != nil && (rel.Source == entityName || rel.Target == entityName) {
		return rel
	}
	// Also search by target entity name as the include alias
	for _, rel := range r.relationsByName {
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
	r.mu.RLock()
	defer r.mu.RUnlock()
	relations := make([]*Relation, 0, len(r.relationsByName))
	for _, rel := range r.relationsByName {
		relations = append(relations, rel)
	}
	return relations
}

// Load replaces all entities and relations in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(entities []*Entity, relations []*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}

	r.relationsBySource = make(map[string][]*Relation)
	r.relationsByName = make(map[string]*Relation, len(relations))
	for _, rel := range relations {
		r.relationsByName[rel.Name] = rel
		r.relationsBySource[rel.Source] = append(r.relationsBySource[rel.Source], rel)
	}
}

func ruleKey(entity, hook string) string { return entity + "|" + hook }

// LoadRules replaces the rule snapshot, grouped by (entity, hook).
func (r *Registry) LoadRules(rules []*Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byHook := make(map[string][]*Rule)
	for _, rule := range rules {
		k := ruleKey(rule.Entity, rule.Hook)
		byHook[k] = append(byHook[k], rule)
	}
	r.rulesByEntityHook = byHook
}

// GetRulesForEntity returns the active rules for an entity at a hook.
func (r *Registry) GetRulesForEntity(entity, hook string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.rulesByEntityHook[ruleKey(entity, hook)]
	out := make([]*Rule, 0, len(all))
	for _, rule := range all {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out
}

// LoadStateMachines replaces the state-machine snapshot, grouped by entity.
func (r *Registry) LoadStateMachines(machines []*StateMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byEntity := make(map[string][]*StateMachine)
	for _, sm := range machines {
		byEntity[sm.Entity] = append(byEntity[sm.Entity], sm)
	}
	r.stateMachines = byEntity
}

// GetStateMachinesForEntity returns the active state machines for an entity.
func (r *Registry) GetStateMachinesForEntity(entity string) []*StateMachine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.stateMachines[entity]
	out := make([]*StateMachine, 0, len(all))
	for _, sm := range all {
		if sm.Active {
			out = append(out, sm)
		}
	}
	return out
}

func workflowTriggerKey(entity, field, to string) string { return entity + "|" + field + "|" + to }

// LoadWorkflows replaces the workflow snapshot, indexed by (entity, field, to)
// trigger key and by name.
func (r *Registry) LoadWorkflows(workflows []*Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byTrigger := make(map[string][]*Workflow)
	byName := make(map[string]*Workflow, len(workflows))
	for _, wf := range workflows {
		k := workflowTriggerKey(wf.Trigger.Entity, wf.Trigger.Field, wf.Trigger.To)
		byTrigger[k] = append(byTrigger[k], wf)
		byName[wf.Name] = wf
	}
	r.workflowsByTrigger = byTrigger
	r.workflowsByName = byName
}

// GetWorkflowsForTrigger returns active workflows whose trigger matches
// (entity, field, to-state).
func (r *Registry) GetWorkflowsForTrigger(entity, field, to string) []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.workflowsByTrigger[workflowTriggerKey(entity, field, to)]
	out := make([]*Workflow, 0, len(all))
	for _, wf := range all {
		if wf.Active {
			out = append(out, wf)
		}
	}
	return out
}

// GetWorkflow returns the workflow with the given name, or nil.
func (r *Registry) GetWorkflow(name string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflowsByName[name]
}

func permissionKey(entity, action string) string { return entity + "|" + action }

// LoadPermissions replaces the permission snapshot, grouped by (entity, action).
func (r *Registry) LoadPermissions(perms []*Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byAction := make(map[string][]*Permission)
	for _, p := range perms {
		byAction[permissionKey(p.Entity, p.Action)] = append(byAction[permissionKey(p.Entity, p.Action)], p)
	}
	r.permissions = byAction
}

// GetPermissions returns the permission policies for an entity/action.
func (r *Registry) GetPermissions(entity, action string) []*Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permissions[permissionKey(entity, action)]
}

func webhookKey(entity, hook string) string { return entity + "|" + hook }

// LoadWebhooks replaces the webhook snapshot, grouped by (entity, hook).
func (r *Registry) LoadWebhooks(webhooks []*Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byHook := make(map[string][]*Webhook)
	byID := make(map[string]*Webhook, len(webhooks))
	for _, wh := range webhooks {
		byHook[webhookKey(wh.Entity, wh.Hook)] = append(byHook[webhookKey(wh.Entity, wh.Hook)], wh)
		byID[wh.ID] = wh
	}
	r.webhooksByHook = byHook
	r.webhooksByID = byID
}

// GetWebhook returns the webhook with the given id, or nil.
func (r *Registry) GetWebhook(id string) *Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.webhooksByID[id]
}

// GetWebhooksForEntityHook returns the active webhooks for an entity at a hook.
func (r *Registry) GetWebhooksForEntityHook(entity, hook string) []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.webhooksByHook[webhookKey(entity, hook)]
	out := make([]*Webhook, 0, len(all))
	for _, wh := range all {
		if wh.Active {
			out = append(out, wh)
		}
	}
	return out
}
