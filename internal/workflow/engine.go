// Package workflow runs per-user workflow instances against stored
// definitions: starting, authorizing, transitioning, binding form entries and
// aggregating the caller's pending tasks.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/model"
)

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	defs     DefinitionReader
	store    InstanceStore
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEngine creates a new workflow engine. notifier and metrics may be nil.
func NewEngine(
	defs DefinitionReader,
	store InstanceStore,
	notifier Notifier,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Engine{
		defs:     defs,
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start returns the caller's instance of the definition for the given entity,
// creating it at step 0 when none exists. Starting requires no step
// eligibility.
func (e *Engine) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID int64,
	entityType string,
	entityID int64,
) (model.WorkflowInstance, error) {
	inst, _, err := e.StartInstance(ctx, rctx, workflowID, entityType, entityID)
	return inst, err
}

// StartInstance is Start that also reports whether this call created the
// instance.
func (e *Engine) StartInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID int64,
	entityType string,
	entityID int64,
) (inst model.WorkflowInstance, created bool, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Start",
		observability.AttrWorkflowID.Int64(workflowID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireCaller(rctx); err != nil {
		return model.WorkflowInstance{}, false, err
	}
	if entityType == "" {
		return model.WorkflowInstance{}, false, model.NewValidationError([]model.FieldError{
			{Field: "entity_type", Code: "REQUIRED", Message: "entity_type is required"},
		})
	}

	key := model.InstanceKey{
		WorkflowID: workflowID,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     rctx.UserID,
	}
	existing, err := e.store.FindByKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if model.ErrorCode(err) != model.ErrNotFound {
		return model.WorkflowInstance{}, false, err
	}

	def, err := e.defs.Get(ctx, workflowID)
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}
	first, ok := def.StepAt(0)
	if !ok {
		return model.WorkflowInstance{}, false, fmt.Errorf("workflow %d has no steps", workflowID)
	}

	fresh, err := e.store.Create(ctx, model.WorkflowInstance{
		WorkflowID:  workflowID,
		UserID:      rctx.UserID,
		EntityType:  entityType,
		EntityID:    entityID,
		CurrentStep: 0,
		State:       first.Name,
		Logs:        []model.TransitionLogEntry{},
	})
	if model.ErrorCode(err) == model.ErrConflict {
		// A concurrent Start won the insert; converge on its row.
		existing, err := e.store.FindByKey(ctx, key)
		return existing, false, err
	}
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}

	e.metrics.RecordWorkflowStart(workflowID)
	observability.RequestLogger(ctx, e.logger).Info("workflow instance started",
		zap.Int64("instance_id", fresh.ID),
		zap.Int64("workflow_id", workflowID),
		zap.String("entity_type", entityType),
		zap.Int64("entity_id", entityID),
	)
	return fresh, true, nil
}

// Get returns an instance the caller may read, with the form bound to its
// current step.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID int64) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Get",
		observability.AttrInstanceID.Int64(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, def, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := authorizeRead(rctx, inst, def); err != nil {
		return model.WorkflowInstance{}, err
	}
	return withStepForm(inst, def), nil
}

// History returns the transition log of an instance the caller may read.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, instanceID int64) (logs []model.TransitionLogEntry, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.History",
		observability.AttrInstanceID.Int64(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, def, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(rctx, inst, def); err != nil {
		return nil, err
	}
	return inst.Logs, nil
}

// ListInstances returns every instance of a definition ordered by ID.
// Administrators only.
func (e *Engine) ListInstances(ctx context.Context, rctx *model.RequestContext, workflowID int64) (instances []model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ListInstances",
		observability.AttrWorkflowID.Int64(workflowID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireAdmin(rctx); err != nil {
		return nil, err
	}
	def, err := e.defs.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	instances, err = e.store.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		instances[i] = withStepForm(instances[i], def)
	}
	return instances, nil
}

// Transition approves or rejects the instance's current step. Approval
// advances to the next step or, on the last step, completes the instance.
// Rejection ends it. The log append and the step change are one
// version-checked write; a concurrent loser gets CONFLICT.
func (e *Engine) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID int64,
	comment string,
	action string,
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Transition",
		observability.AttrInstanceID.Int64(instanceID),
		observability.AttrAction.String(action),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, def, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if action != model.ActionApproved && action != model.ActionRejected {
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{{
			Field:   "action",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("action must be %q or %q", model.ActionApproved, model.ActionRejected),
		}})
	}
	if inst.IsTerminal(def) {
		return model.WorkflowInstance{}, model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow instance %d is %s", instanceID, inst.State),
		)
	}

	step := def.Steps[inst.CurrentStep]
	if !step.IsEligible(rctx) && !rctx.IsAdmin() {
		return model.WorkflowInstance{}, model.NewForbiddenError(
			fmt.Sprintf("not assigned to step %q", step.Name),
		)
	}

	inst.Logs = append(inst.Logs, model.TransitionLogEntry{
		By:         rctx.UserID,
		Step:       inst.State,
		At:         e.now(),
		Comment:    comment,
		Action:     action,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
	})

	finalState := ""
	switch {
	case action == model.ActionRejected:
		finalState = model.StateRejected
	case inst.CurrentStep == len(def.Steps)-1:
		finalState = model.StateCompleted
	default:
		inst.CurrentStep++
	}
	if finalState != "" {
		inst.State = finalState
	} else {
		inst.State = def.Steps[inst.CurrentStep].Name
	}

	updated, err := e.store.Update(ctx, inst)
	if err != nil {
		if model.ErrorCode(err) == model.ErrConflict {
			e.metrics.RecordWorkflowConflict(def.ID)
		}
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowTransition(def.ID, action, finalState)
	observability.RequestLogger(ctx, e.logger).Info("workflow instance transitioned",
		zap.Int64("instance_id", updated.ID),
		zap.Int64("workflow_id", def.ID),
		zap.String("action", action),
		zap.String("from", step.Name),
		zap.String("to", updated.State),
	)
	e.notify(ctx, rctx, updated, def)
	return withStepForm(updated, def), nil
}

// Delete removes an instance. Administrators only.
func (e *Engine) Delete(ctx context.Context, rctx *model.RequestContext, instanceID int64) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Delete",
		observability.AttrInstanceID.Int64(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireAdmin(rctx); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, instanceID); err != nil {
		return err
	}
	observability.RequestLogger(ctx, e.logger).Info("workflow instance deleted",
		zap.Int64("instance_id", instanceID),
	)
	return nil
}

// AuthorizeEntry checks that the caller may submit an entry of formID for the
// instance: the instance must be active, its current step must be bound to
// formID and the caller must be eligible for that step.
func (e *Engine) AuthorizeEntry(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID int64,
	formID int64,
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.AuthorizeEntry",
		observability.AttrInstanceID.Int64(instanceID),
		observability.AttrFormID.Int64(formID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, _, err = e.authorizeEntry(ctx, rctx, instanceID, formID)
	return inst, err
}

// BindEntry re-validates the submission and points the instance's entity at
// the stored entry. The step does not advance.
func (e *Engine) BindEntry(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID int64,
	formID int64,
	entryID int64,
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.BindEntry",
		observability.AttrInstanceID.Int64(instanceID),
		observability.AttrFormID.Int64(formID),
		observability.AttrEntryID.Int64(entryID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, def, err := e.authorizeEntry(ctx, rctx, instanceID, formID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.EntityType = model.EntityTypeFormEntry
	inst.EntityID = entryID
	updated, err := e.store.Update(ctx, inst)
	if err != nil {
		if model.ErrorCode(err) == model.ErrConflict {
			e.metrics.RecordWorkflowConflict(def.ID)
		}
		return model.WorkflowInstance{}, err
	}

	observability.RequestLogger(ctx, e.logger).Info("form entry bound to workflow instance",
		zap.Int64("instance_id", updated.ID),
		zap.Int64("form_id", formID),
		zap.Int64("entry_id", entryID),
	)
	return withStepForm(updated, def), nil
}

func (e *Engine) authorizeEntry(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID int64,
	formID int64,
) (model.WorkflowInstance, model.WorkflowDefinition, error) {
	inst, def, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, err
	}
	if inst.IsTerminal(def) {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow instance %d is %s", instanceID, inst.State),
		)
	}

	step := def.Steps[inst.CurrentStep]
	if !step.HasForm(formID) {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewBadRequestError(
			"form does not match current workflow step",
		)
	}
	if !step.IsEligible(rctx) {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewForbiddenError(
			fmt.Sprintf("not assigned to step %q", step.Name),
		)
	}
	return inst, def, nil
}

// load fetches an instance and its definition for an authenticated caller.
func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, instanceID int64) (model.WorkflowInstance, model.WorkflowDefinition, error) {
	if err := model.RequireCaller(rctx); err != nil {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, err
	}
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, err
	}
	def, err := e.defs.Get(ctx, inst.WorkflowID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, err
	}
	return inst, def, nil
}

// notify announces the step the instance entered, or its outcome. Failures
// are logged and counted but never returned.
func (e *Engine) notify(ctx context.Context, rctx *model.RequestContext, inst model.WorkflowInstance, def model.WorkflowDefinition) {
	evt := StepEvent{
		Kind:         EventStepEntered,
		InstanceID:   inst.ID,
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		OwnerID:      inst.UserID,
		Step:         inst.CurrentStep,
		State:        inst.State,
		By:           rctx.UserID,
		At:           e.now(),
	}
	if inst.State == model.StateCompleted || inst.State == model.StateRejected {
		evt.Kind = EventFinished
	} else if step, ok := def.StepAt(inst.CurrentStep); ok {
		evt.AssignUsers = step.AssignUsers
		evt.AssignRoles = step.AssignRoles
		evt.FormID = step.FormID
	}

	if err := e.notifier.Notify(ctx, evt); err != nil {
		e.metrics.RecordNotification("error")
		observability.RequestLogger(ctx, e.logger).Warn("step notification failed",
			zap.Int64("instance_id", inst.ID),
			zap.String("kind", evt.Kind),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordNotification("ok")
}

// authorizeRead admits the owner, anyone eligible for the current step or any
// step of the definition, and administrators.
func authorizeRead(rctx *model.RequestContext, inst model.WorkflowInstance, def model.WorkflowDefinition) error {
	if inst.UserID == rctx.UserID || rctx.IsAdmin() {
		return nil
	}
	if !inst.IsTerminal(def) && def.Steps[inst.CurrentStep].IsEligible(rctx) {
		return nil
	}
	if def.EligibleForAny(rctx) {
		return nil
	}
	return model.NewForbiddenError(fmt.Sprintf("not allowed to view workflow instance %d", inst.ID))
}

// withStepForm sets FormID to the form bound to the instance's current step.
func withStepForm(inst model.WorkflowInstance, def model.WorkflowDefinition) model.WorkflowInstance {
	inst.FormID = nil
	if step, ok := def.StepAt(inst.CurrentStep); ok && step.FormID != nil {
		id := *step.FormID
		inst.FormID = &id
	}
	return inst
}
