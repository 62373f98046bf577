package metadata

import "encoding/json"

// StepGoto is a transition target: either the bare string "end" or an
// object carrying inline actions plus a goto step id. Marshals back to a
// bare string only for the literal "end"; any other goto round-trips as
// {"goto": "..."}.
type StepGoto struct {
	Goto    string           `json:"goto"`
	Actions []WorkflowAction `json:"actions,omitempty"`
}

func (g *StepGoto) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		g.Goto = s
		return nil
	}
	type alias StepGoto
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*g = StepGoto(a)
	return nil
}

func (g StepGoto) MarshalJSON() ([]byte, error) {
	if g.Goto == "end" && len(g.Actions) == 0 {
		return json.Marshal(g.Goto)
	}
	type alias StepGoto
	return json.Marshal(alias(g))
}

// WorkflowTrigger matches a state-machine field transition.
type WorkflowTrigger struct {
	Type       string `json:"type"` // state_change
	Entity     string `json:"entity"`
	Field      string `json:"field"`
	FromStatus string `json:"from_status,omitempty"` // stored only; trigger matching uses entity, field and to
	To         string `json:"to"`
}

// WorkflowAssignee names who an approval step is routed to.
type WorkflowAssignee struct {
	Type string `json:"type"` // role, user
	Role string `json:"role"`
}

// WorkflowAction is one inline side-effect executed by an action step
// or a transition's inline actions.
type WorkflowAction struct {
	Type     string `json:"type"` // set_field, webhook, create_record, send_event
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Value    any    `json:"value"`
	URL      string `json:"url"`
	Method   string `json:"method"`
	Event    string `json:"event"`
}

// WorkflowStep is one node in a workflow's step graph.
type WorkflowStep struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"` // action, condition, approval
	Assignee   *WorkflowAssignee `json:"assignee,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	Expression string            `json:"expression,omitempty"`
	Actions    []WorkflowAction  `json:"actions,omitempty"`
	Then       *StepGoto         `json:"then,omitempty"`
	OnTrue     *StepGoto         `json:"on_true,omitempty"`
	OnFalse    *StepGoto         `json:"on_false,omitempty"`
	OnApprove  *StepGoto         `json:"on_approve,omitempty"`
	OnReject   *StepGoto         `json:"on_reject,omitempty"`
	OnTimeout  *StepGoto         `json:"on_timeout,omitempty"`
}

// Workflow is a declarative, state-machine-triggered step graph.
type Workflow struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger WorkflowTrigger   `json:"trigger"`
	Context map[string]string `json:"context"`
	Steps   []WorkflowStep    `json:"steps"`
	Active  bool              `json:"active"`
}

// FindStep returns the step with the given id, or nil.
func (w *Workflow) FindStep(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// WorkflowHistoryEntry records one advance of a workflow instance.
type WorkflowHistoryEntry struct {
	Step      string `json:"step_id"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WorkflowInstance is one running (or terminated) execution of a Workflow.
type WorkflowInstance struct {
	ID                 string                 `json:"id"`
	WorkflowID         string                 `json:"workflow_id"`
	WorkflowName       string                 `json:"workflow_name"`
	Status             string                 `json:"status"` // running, waiting_approval, completed, failed, cancelled
	CurrentStep        string                 `json:"current_step"`
	CurrentStepDeadline *string               `json:"current_step_deadline,omitempty"`
	Context            map[string]any         `json:"context"`
	History            []WorkflowHistoryEntry `json:"history"`
	CreatedAt          string                 `json:"created_at,omitempty"`
	UpdatedAt          string                 `json:"updated_at,omitempty"`
}
