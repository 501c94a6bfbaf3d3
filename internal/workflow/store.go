package workflow

import (
	"context"

	"github.com/pitabwire/recordflow/model"
)

// InstanceStore persists workflow instances. The transition log lives inside
// the instance so a log append and a step change are one write.
type InstanceStore interface {
	// Create inserts a new instance, assigning its ID. Returns CONFLICT if an
	// instance with the same key already exists.
	Create(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error)

	// Get returns an instance by ID or NOT_FOUND.
	Get(ctx context.Context, id int64) (model.WorkflowInstance, error)

	// FindByKey returns the instance with the given uniqueness key or
	// NOT_FOUND.
	FindByKey(ctx context.Context, key model.InstanceKey) (model.WorkflowInstance, error)

	// Update writes inst if its Version still matches the stored version and
	// returns the stored row with the incremented version. A stale version
	// yields CONFLICT.
	Update(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error)

	// Delete removes an instance. Returns NOT_FOUND if absent.
	Delete(ctx context.Context, id int64) error

	// DeleteByWorkflow removes every instance of a definition.
	DeleteByWorkflow(ctx context.Context, workflowID int64) error

	// ListByWorkflow returns the instances of a definition ordered by ID.
	ListByWorkflow(ctx context.Context, workflowID int64) ([]model.WorkflowInstance, error)
}

// DefinitionReader is the read side of the definition store the engine
// depends on.
type DefinitionReader interface {
	Get(ctx context.Context, id int64) (model.WorkflowDefinition, error)
	List(ctx context.Context) ([]model.WorkflowDefinition, error)
}
