package workflow

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/model"
)

// ListMyTasks returns the active instances whose current step the caller is
// eligible for, sorted by instance ID. For every definition whose first step
// admits the caller, the caller's own top-level instance is created on first
// sight. A store failure on one definition is logged and that definition is
// skipped; a cancelled context aborts the whole listing.
func (e *Engine) ListMyTasks(ctx context.Context, rctx *model.RequestContext) (tasks []model.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ListMyTasks")
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireCaller(rctx); err != nil {
		return nil, err
	}
	defs, err := e.defs.List(ctx)
	if err != nil {
		return nil, err
	}

	logger := observability.RequestLogger(ctx, e.logger)
	tasks = []model.Task{}
	skipped := 0
	for _, def := range defs {
		if !def.EligibleForAny(rctx) {
			continue
		}

		defTasks, err := e.tasksFor(ctx, rctx, def)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			skipped++
			logger.Warn("skipping workflow in task listing",
				zap.Int64("workflow_id", def.ID),
				zap.Error(err),
			)
			continue
		}
		tasks = append(tasks, defTasks...)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].InstanceID < tasks[j].InstanceID })
	e.metrics.RecordTaskListing(len(tasks), skipped)
	return tasks, nil
}

func (e *Engine) tasksFor(ctx context.Context, rctx *model.RequestContext, def model.WorkflowDefinition) ([]model.Task, error) {
	if first, ok := def.StepAt(0); ok && first.IsEligible(rctx) {
		if _, err := e.Start(ctx, rctx, def.ID, model.EntityTypeWorkflow, 0); err != nil {
			return nil, err
		}
	}

	instances, err := e.store.ListByWorkflow(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	var tasks []model.Task
	for _, inst := range instances {
		if inst.IsTerminal(def) {
			continue
		}
		// Owned instances the caller cannot act on are not tasks.
		step := def.Steps[inst.CurrentStep]
		if !step.IsEligible(rctx) {
			continue
		}
		tasks = append(tasks, taskFrom(inst, def, step))
	}
	return tasks, nil
}

func taskFrom(inst model.WorkflowInstance, def model.WorkflowDefinition, step model.Step) model.Task {
	t := model.Task{
		InstanceID:   inst.ID,
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		UserID:       inst.UserID,
		CurrentStep:  inst.CurrentStep,
		State:        inst.State,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		Logs:         inst.Logs,
	}
	if step.FormID != nil {
		id := *step.FormID
		t.FormID = &id
	}
	return t
}
