package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"rocket-backend/internal/metadata"
	"rocket-backend/internal/store"
)

// WFEngine drives workflow instance creation, step execution, and
// approve/reject resolution against a Store/Registry pair. All persistence
// goes through a WorkflowStore so the same logic runs against Postgres and
// SQLite apps alike.
type WFEngine struct {
	store    *store.Store
	registry *metadata.Registry
	wfStore  WorkflowStore
	exprEval ExpressionEvaluator
}

// NewDefaultWFEngine builds a WFEngine backed by SQLWorkflowStore and the
// expr-lang condition evaluator.
func NewDefaultWFEngine(s *store.Store, reg *metadata.Registry) *WFEngine {
	return &WFEngine{
		store:    s,
		registry: reg,
		wfStore:  &SQLWorkflowStore{},
		exprEval: NewExprLangEvaluator(),
	}
}

// TriggerWorkflows checks if any active workflows should be started based on
// a state transition. Called after a successful write commit.
func TriggerWorkflows(ctx context.Context, s *store.Store, reg *metadata.Registry,
	entity, field, toState string, record map[string]any, recordID any) {
	NewDefaultWFEngine(s, reg).TriggerWorkflows(ctx, entity, field, toState, record, recordID)
}

func (e *WFEngine) TriggerWorkflows(ctx context.Context, entity, field, toState string, record map[string]any, recordID any) {
	workflows := e.registry.GetWorkflowsForTrigger(entity, field, toState)
	for _, wf := range workflows {
		if err := e.createInstance(ctx, wf, record, recordID); err != nil {
			log.Printf("ERROR: failed to create workflow instance for %s: %v", wf.Name, err)
		}
	}
}

// createInstance builds the initial context, inserts a workflow instance row,
// and starts executing steps.
func (e *WFEngine) createInstance(ctx context.Context, wf *metadata.Workflow, record map[string]any, recordID any) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.Name)
	}

	wfCtx := buildWorkflowContext(wf.Context, record, recordID)
	firstStepID := wf.Steps[0].ID

	id, err := e.wfStore.CreateInstance(ctx, e.store.DB, e.store.Dialect, WorkflowInstanceData{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		CurrentStep:  firstStepID,
		Context:      wfCtx,
	})
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}

	instance := &metadata.WorkflowInstance{
		ID:           id,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       "running",
		CurrentStep:  firstStepID,
		Context:      wfCtx,
		History:      []metadata.WorkflowHistoryEntry{},
	}

	log.Printf("Created workflow instance %s for workflow %s", instance.ID, wf.Name)
	return e.advance(ctx, instance, wf)
}

// advance continues executing steps until the workflow pauses for approval
// or ends, persisting the instance whenever it stops.
func (e *WFEngine) advance(ctx context.Context, instance *metadata.WorkflowInstance, wf *metadata.Workflow) error {
	for {
		if instance.Status != "running" {
			return e.persist(ctx, instance)
		}

		step := wf.FindStep(instance.CurrentStep)
		if step == nil {
			instance.Status = "failed"
			return e.persist(ctx, instance)
		}

		paused, nextGoto, err := e.executeStep(ctx, instance, step)
		if err != nil {
			log.Printf("ERROR: workflow %s step %s failed: %v", wf.Name, step.ID, err)
			instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
				Step:      step.ID,
				Status:    "failed",
				Outcome:   "failed",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			instance.Status = "failed"
			return e.persist(ctx, instance)
		}

		if paused {
			return e.persist(ctx, instance)
		}

		if nextGoto == "" || nextGoto == "end" {
			instance.Status = "completed"
			instance.CurrentStep = ""
			return e.persist(ctx, instance)
		}

		instance.CurrentStep = nextGoto
	}
}

// executeStep evaluates a single step. Returns (paused, nextGoto, error).
func (e *WFEngine) executeStep(ctx context.Context, instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (bool, string, error) {
	switch step.Type {
	case "action":
		return e.executeActionStep(ctx, instance, step)
	case "condition":
		return e.executeConditionStep(instance, step)
	case "approval":
		return e.executeApprovalStep(instance, step)
	default:
		return false, "", fmt.Errorf("unknown step type: %s", step.Type)
	}
}

func (e *WFEngine) executeActionStep(ctx context.Context, instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (bool, string, error) {
	for _, action := range step.Actions {
		if err := e.executeAction(ctx, instance, &action); err != nil {
			return false, "", fmt.Errorf("action %s: %w", action.Type, err)
		}
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:      step.ID,
		Status:    "completed",
		Outcome:   "success",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	next := ""
	if step.Then != nil {
		next = step.Then.Goto
	}
	return false, next, nil
}

func (e *WFEngine) executeConditionStep(instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (bool, string, error) {
	if step.Expression == "" {
		return false, "", fmt.Errorf("condition step %s has no expression", step.ID)
	}

	env := map[string]any{"context": instance.Context}
	isTrue, err := e.exprEval.EvaluateBool(step.Expression, env)
	if err != nil {
		return false, "", fmt.Errorf("evaluate condition: %w", err)
	}

	status := "on_false"
	next := ""
	if isTrue {
		status = "on_true"
		if step.OnTrue != nil {
			next = step.OnTrue.Goto
		}
	} else if step.OnFalse != nil {
		next = step.OnFalse.Goto
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:      step.ID,
		Status:    status,
		Outcome:   status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	return false, next, nil
}

// executeApprovalStep pauses the workflow awaiting an approve/reject call.
func (e *WFEngine) executeApprovalStep(instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (bool, string, error) {
	if step.Timeout != "" {
		if duration, err := time.ParseDuration(step.Timeout); err == nil {
			deadline := time.Now().UTC().Add(duration).Format(time.RFC3339)
			instance.CurrentStepDeadline = &deadline
		}
	}
	instance.Status = "waiting_approval"
	return true, "", nil
}

// executeAction executes a single workflow action.
func (e *WFEngine) executeAction(ctx context.Context, instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {
	switch action.Type {
	case "set_field":
		return e.executeSetFieldAction(ctx, instance, action)
	case "webhook":
		if action.URL == "" {
			return nil
		}
		method := action.Method
		if method == "" {
			method = "POST"
		}
		go DispatchWebhookDirect(context.WithoutCancel(ctx), action.URL, method, nil, nil)
		return nil
	case "create_record":
		log.Printf("STUB: workflow create_record action for entity %s (not yet implemented)", action.Entity)
		return nil
	case "send_event":
		log.Printf("STUB: workflow send_event action '%s' (not yet implemented)", action.Event)
		return nil
	default:
		log.Printf("WARN: unknown workflow action type: %s", action.Type)
		return nil
	}
}

// executeSetFieldAction performs a standalone UPDATE on the target entity/record.
func (e *WFEngine) executeSetFieldAction(ctx context.Context, instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {
	entityName := action.Entity
	if entityName == "" {
		return fmt.Errorf("set_field action missing entity")
	}

	entity := e.registry.GetEntity(entityName)
	if entity == nil {
		return fmt.Errorf("entity not found: %s", entityName)
	}

	env := map[string]any{"context": instance.Context}
	recordID := resolveContextPath(env, action.RecordID)
	if recordID == nil {
		return fmt.Errorf("could not resolve record_id: %s", action.RecordID)
	}

	val := action.Value
	if strVal, ok := val.(string); ok && strVal == "now" {
		val = time.Now().UTC().Format(time.RFC3339)
	}

	dialect := e.store.Dialect
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		entity.Table, action.Field, pb.Add(val), entity.PrimaryKey.Field, pb.Add(recordID))
	if _, err := store.Exec(ctx, e.store.DB, sql, pb.Params()...); err != nil {
		return fmt.Errorf("set_field UPDATE: %w", err)
	}

	return nil
}

func (e *WFEngine) persist(ctx context.Context, instance *metadata.WorkflowInstance) error {
	return e.wfStore.PersistInstance(ctx, e.store.DB, e.store.Dialect, instance)
}

// ResolveWorkflowAction handles approve/reject on a paused workflow instance.
func ResolveWorkflowAction(ctx context.Context, s *store.Store, reg *metadata.Registry,
	instanceID string, action string, userID string) (*metadata.WorkflowInstance, error) {
	return NewDefaultWFEngine(s, reg).ResolveAction(ctx, instanceID, action, userID)
}

func (e *WFEngine) ResolveAction(ctx context.Context, instanceID string, action string, userID string) (*metadata.WorkflowInstance, error) {
	instance, err := e.wfStore.LoadInstance(ctx, e.store.DB, e.store.Dialect, instanceID)
	if err != nil {
		return nil, err
	}

	if instance.Status != "waiting_approval" {
		return nil, fmt.Errorf("workflow instance is not awaiting approval (status: %s)", instance.Status)
	}

	wf := e.registry.GetWorkflow(instance.WorkflowName)
	if wf == nil {
		return nil, fmt.Errorf("workflow definition not found: %s", instance.WorkflowName)
	}

	step := wf.FindStep(instance.CurrentStep)
	if step == nil {
		return nil, fmt.Errorf("current step not found: %s", instance.CurrentStep)
	}
	if step.Type != "approval" {
		return nil, fmt.Errorf("current step is not an approval step")
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:      step.ID,
		Status:    action, // "approved" or "rejected"
		Outcome:   action,
		Actor:     userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	instance.CurrentStepDeadline = nil
	instance.Status = "running"

	var nextGoto string
	switch action {
	case "approved":
		if step.OnApprove != nil {
			nextGoto = step.OnApprove.Goto
		}
	case "rejected":
		if step.OnReject != nil {
			nextGoto = step.OnReject.Goto
		}
	default:
		return nil, fmt.Errorf("invalid action: %s", action)
	}

	if nextGoto == "" || nextGoto == "end" {
		instance.Status = "completed"
		instance.CurrentStep = ""
		if err := e.persist(ctx, instance); err != nil {
			return nil, err
		}
		return instance, nil
	}

	instance.CurrentStep = nextGoto
	if err := e.advance(ctx, instance, wf); err != nil {
		return nil, err
	}

	// Reload instance after advancing to get its final persisted state.
	return e.wfStore.LoadInstance(ctx, e.store.DB, e.store.Dialect, instance.ID)
}

// ListPendingInstances returns workflow instances awaiting approval.
func ListPendingInstances(ctx context.Context, s *store.Store) ([]*metadata.WorkflowInstance, error) {
	return (&SQLWorkflowStore{}).ListPending(ctx, s.DB, s.Dialect)
}

// DeleteWorkflowInstance removes a workflow instance by id.
func DeleteWorkflowInstance(ctx context.Context, s *store.Store, id string) error {
	return (&SQLWorkflowStore{}).DeleteInstance(ctx, s.DB, s.Dialect, id)
}

// ProcessTimeouts advances every workflow instance whose current approval
// step's deadline has passed, following its on_timeout transition, or
// failing the instance when no such transition is defined.
func (e *WFEngine) ProcessTimeouts(ctx context.Context) {
	instances, err := e.wfStore.FindTimedOut(ctx, e.store.DB, e.store.Dialect)
	if err != nil {
		log.Printf("ERROR: list timed-out workflow instances: %v", err)
		return
	}

	for _, instance := range instances {
		wf := e.registry.GetWorkflow(instance.WorkflowName)
		if wf == nil {
			log.Printf("WARN: workflow definition not found for timed-out instance %s: %s", instance.ID, instance.WorkflowName)
			continue
		}

		step := wf.FindStep(instance.CurrentStep)
		instance.CurrentStepDeadline = nil
		instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
			Step:      instance.CurrentStep,
			Status:    "timed_out",
			Outcome:   "timeout",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})

		var nextGoto string
		if step != nil && step.OnTimeout != nil {
			nextGoto = step.OnTimeout.Goto
		}

		if nextGoto == "" {
			instance.Status = "failed"
			if err := e.persist(ctx, instance); err != nil {
				log.Printf("ERROR: persist timed-out instance %s: %v", instance.ID, err)
			}
			continue
		}

		instance.Status = "running"
		instance.CurrentStep = nextGoto
		if err := e.advance(ctx, instance, wf); err != nil {
			log.Printf("ERROR: advance timed-out instance %s: %v", instance.ID, err)
		}
	}
}

// buildWorkflowContext resolves context mappings from the trigger record.
func buildWorkflowContext(mappings map[string]string, record map[string]any, recordID any) map[string]any {
	ctx := make(map[string]any, len(mappings))
	for key, path := range mappings {
		ctx[key] = resolveContextPath(map[string]any{
			"trigger": map[string]any{
				"record_id": recordID,
				"record":    record,
			},
		}, path)
	}
	return ctx
}

// resolveContextPath resolves a dot-path like "trigger.record.amount" from a nested map.
func resolveContextPath(data map[string]any, path string) any {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, ".")
	var current any = data

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}
