package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"rocket-backend/internal/instrument"
	"rocket-backend/internal/metadata"
)

// PendingWebhook is a fire-and-forget HTTP call scheduled by a transition's
// inline "webhook" action, dispatched by the orchestrator after commit.
type PendingWebhook struct {
	URL    string
	Method string
}

// EvaluateStateMachines runs every active state machine on entityName against
// the new/old field maps, mutating fields in place for any set_field actions
// and returning accumulated validation errors plus any webhook actions to
// fire after commit.
func EvaluateStateMachines(ctx context.Context, reg *metadata.Registry, entityName string, fields map[string]any, old map[string]any, isCreate bool) ([]ErrorDetail, []PendingWebhook) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "state_machine", "state_machine.evaluate")
	defer span.End()
	span.SetEntity(entityName, "")

	machines := reg.GetStateMachinesForEntity(entityName)
	if len(machines) == 0 {
		span.SetStatus("ok")
		return nil, nil
	}

	var errs []ErrorDetail
	var pending []PendingWebhook
	for _, sm := range machines {
		smErrs, smPending := evaluateStateMachine(sm, fields, old, isCreate)
		errs = append(errs, smErrs...)
		pending = append(pending, smPending...)
	}

	if len(errs) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return errs, pending
}

// evaluateStateMachine checks one state machine's field transition and, on
// success, runs the matching transition's inline actions against fields.
func evaluateStateMachine(sm *metadata.StateMachine, fields map[string]any, old map[string]any, isCreate bool) ([]ErrorDetail, []PendingWebhook) {
	newVal, hasNew := fields[sm.Field]
	if !hasNew {
		return nil, nil
	}
	newState, ok := newVal.(string)
	if !ok {
		return nil, nil
	}

	if isCreate {
		if sm.Definition.Initial != "" && newState != sm.Definition.Initial {
			return []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: fmt.Sprintf("Initial state must be '%s', got '%s'", sm.Definition.Initial, newState),
			}}, nil
		}
		return nil, nil
	}

	oldVal, _ := old[sm.Field]
	oldState, _ := oldVal.(string)

	if oldState == newState {
		return nil, nil
	}

	transition := FindTransition(sm, oldState, newState)
	if transition == nil {
		return []ErrorDetail{{
			Field:   sm.Field,
			Rule:    "state_machine",
			Message: fmt.Sprintf("Invalid transition from '%s' to '%s'", oldState, newState),
		}}, nil
	}

	env := map[string]any{
		"record": fields,
		"old":    old,
		"action": "update",
	}
	blocked, err := EvaluateGuard(transition, env)
	if err != nil {
		return []ErrorDetail{{
			Field:   sm.Field,
			Rule:    "state_machine",
			Message: fmt.Sprintf("guard evaluation error: %v", err),
		}}, nil
	}
	if blocked {
		return []ErrorDetail{{
			Field:   sm.Field,
			Rule:    "state_machine",
			Message: fmt.Sprintf("Transition from '%s' to '%s' blocked by guard", oldState, newState),
		}}, nil
	}

	pending := ExecuteActions(transition, fields)
	return nil, pending
}

// FindTransition returns the first transition whose From set contains
// fromState and whose To equals toState, in declared order.
func FindTransition(sm *metadata.StateMachine, fromState, toState string) *metadata.Transition {
	for i := range sm.Definition.Transitions {
		tr := &sm.Definition.Transitions[i]
		if tr.To != toState {
			continue
		}
		for _, f := range tr.From {
			if f == fromState {
				return tr
			}
		}
	}
	return nil
}

// EvaluateGuard runs a transition's guard expression against env, returning
// true when the transition is blocked (guard expression is false/violated
// in the sense that the record does not satisfy it). An empty guard never
// blocks. The compiled program is cached on transition.CompiledGuard.
func EvaluateGuard(transition *metadata.Transition, env map[string]any) (bool, error) {
	if transition.Guard == "" {
		return false, nil
	}

	prog, ok := transition.CompiledGuard.(*vm.Program)
	if !ok || prog == nil {
		compiled, err := expr.Compile(transition.Guard, expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile guard: %w", err)
		}
		transition.CompiledGuard = compiled
		prog = compiled
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard: %w", err)
	}

	allowed, ok := result.(bool)
	if !ok {
		return false, nil
	}
	return !allowed, nil
}

// ExecuteActions runs a transition's inline actions in declared order,
// mutating fields, and returns any webhook actions for the orchestrator to
// dispatch after commit. A failing action is skipped, not fatal to the
// transition.
func ExecuteActions(transition *metadata.Transition, fields map[string]any) []PendingWebhook {
	var pending []PendingWebhook
	for _, action := range transition.Actions {
		if wh := executeTransitionAction(action, fields); wh != nil {
			pending = append(pending, *wh)
		}
	}
	return pending
}

func executeTransitionAction(action metadata.TransitionAction, fields map[string]any) *PendingWebhook {
	switch action.Type {
	case "set_field":
		if action.Value == "now" {
			fields[action.Field] = time.Now().UTC().Format(time.RFC3339)
		} else {
			fields[action.Field] = action.Value
		}
	case "webhook":
		if action.URL == "" {
			return nil
		}
		method := action.Method
		if method == "" {
			method = "POST"
		}
		return &PendingWebhook{URL: action.URL, Method: method}
	case "create_record", "send_event":
		// Reserved: logged here, no-op against this entity's own write.
		log.Printf("WARNING: state machine action %s is reserved and has no effect", action.Type)
	}
	return nil
}
