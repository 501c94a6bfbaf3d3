package model

import "time"

// Terminal instance states. Any other state value is the name of the step the
// instance is currently waiting on.
const (
	StateCompleted = "Completed"
	StateRejected  = "Rejected"
)

// Transition actions.
const (
	ActionApproved = "approved"
	ActionRejected = "rejected"
)

// Entity type discriminators for WorkflowInstance.EntityType.
const (
	EntityTypeWorkflow  = "workflow"
	EntityTypeFormEntry = "form_entry"
)

// WorkflowDefinition is a named, versionless template of ordered steps. The
// index of a step in Steps is its step index.
type WorkflowDefinition struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one stage of a definition with its own eligible-assignee set.
type Step struct {
	Name        string   `json:"name" yaml:"name"`
	AssignUsers []int64  `json:"assign_users" yaml:"assign_users"`
	AssignRoles []string `json:"assign_roles" yaml:"assign_roles"`
	FormID      *int64   `json:"form_id,omitempty" yaml:"form_id,omitempty"`
}

// IsEligible reports whether the caller is listed on the step or holds one of
// its roles. A step with no assignees admits nobody.
func (s Step) IsEligible(rctx *RequestContext) bool {
	if rctx == nil {
		return false
	}
	for _, id := range s.AssignUsers {
		if id == rctx.UserID {
			return true
		}
	}
	return rctx.HasAnyRole(s.AssignRoles...)
}

// HasForm reports whether the step is bound to formID.
func (s Step) HasForm(formID int64) bool {
	return s.FormID != nil && *s.FormID == formID
}

// StepAt returns the step at index i and whether i is in range.
func (d WorkflowDefinition) StepAt(i int) (Step, bool) {
	if i < 0 || i >= len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[i], true
}

// EligibleForAny reports whether the caller is eligible for at least one step.
func (d WorkflowDefinition) EligibleForAny(rctx *RequestContext) bool {
	for _, s := range d.Steps {
		if s.IsEligible(rctx) {
			return true
		}
	}
	return false
}

// WorkflowInstance is a live per-user run of a definition against an entity.
type WorkflowInstance struct {
	ID          int64                `json:"id"`
	WorkflowID  int64                `json:"workflow_id"`
	UserID      int64                `json:"user_id"`
	EntityType  string               `json:"entity_type"`
	EntityID    int64                `json:"entity_id"`
	CurrentStep int                  `json:"current_step"`
	State       string               `json:"state"`
	Logs        []TransitionLogEntry `json:"logs"`
	FormID      *int64               `json:"form_id,omitempty"`
	Version     int                  `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// IsTerminal reports whether the instance has finished, either by state or
// because its step index no longer points into the definition.
func (i WorkflowInstance) IsTerminal(def WorkflowDefinition) bool {
	if i.State == StateCompleted || i.State == StateRejected {
		return true
	}
	_, ok := def.StepAt(i.CurrentStep)
	return !ok
}

// InstanceKey is the uniqueness tuple of a WorkflowInstance.
type InstanceKey struct {
	WorkflowID int64
	EntityType string
	EntityID   int64
	UserID     int64
}

// Key returns the uniqueness tuple of the instance.
func (i WorkflowInstance) Key() InstanceKey {
	return InstanceKey{
		WorkflowID: i.WorkflowID,
		EntityType: i.EntityType,
		EntityID:   i.EntityID,
		UserID:     i.UserID,
	}
}

// TransitionLogEntry records a single approve or reject. Step holds the state
// name before the transition was applied.
type TransitionLogEntry struct {
	By         int64     `json:"by"`
	Step       string    `json:"step"`
	At         time.Time `json:"at"`
	Comment    string    `json:"comment"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
}

// Task is an instance the caller can act on right now.
type Task struct {
	InstanceID   int64                `json:"instance_id"`
	WorkflowID   int64                `json:"workflow_id"`
	WorkflowName string               `json:"workflow_name"`
	UserID       int64                `json:"user_id"`
	CurrentStep  int                  `json:"current_step"`
	State        string               `json:"state"`
	FormID       *int64               `json:"form_id,omitempty"`
	EntityType   string               `json:"entity_type"`
	EntityID     int64                `json:"entity_id"`
	Logs         []TransitionLogEntry `json:"logs"`
}
