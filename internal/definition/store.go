package definition

import (
	"context"

	"github.com/pitabwire/recordflow/model"
)

// Store persists workflow definitions.
type Store interface {
	// Create inserts def, assigning its ID and timestamps. Returns CONFLICT
	// if the name is already taken.
	Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error)

	// Get returns the definition with the given ID or NOT_FOUND.
	Get(ctx context.Context, id int64) (model.WorkflowDefinition, error)

	// GetByName returns the definition with the given name or NOT_FOUND.
	GetByName(ctx context.Context, name string) (model.WorkflowDefinition, error)

	// Update replaces the name and steps of an existing definition. Returns
	// NOT_FOUND or CONFLICT on a name clash.
	Update(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error)

	// Delete removes the definition. Returns NOT_FOUND if absent.
	Delete(ctx context.Context, id int64) error

	// List returns every definition ordered by ID.
	List(ctx context.Context) ([]model.WorkflowDefinition, error)
}
