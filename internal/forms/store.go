// Package forms manages dynamically defined forms and their entries, and
// bridges entry submission into workflow instance binding.
package forms

import (
	"context"

	"github.com/pitabwire/recordflow/model"
)

// Store persists form definitions and entries.
type Store interface {
	// CreateForm inserts a form, assigning its ID. Returns CONFLICT if the
	// name is taken.
	CreateForm(ctx context.Context, form model.FormDefinition) (model.FormDefinition, error)
	GetForm(ctx context.Context, id int64) (model.FormDefinition, error)
	// UpdateForm replaces name, description and fields. Returns NOT_FOUND or
	// CONFLICT on a name clash.
	UpdateForm(ctx context.Context, form model.FormDefinition) (model.FormDefinition, error)
	DeleteForm(ctx context.Context, id int64) error
	// ListForms returns all forms ordered by ID.
	ListForms(ctx context.Context) ([]model.FormDefinition, error)
	FormExists(ctx context.Context, id int64) (bool, error)

	CreateEntry(ctx context.Context, entry model.FormEntry) (model.FormEntry, error)
	GetEntry(ctx context.Context, id int64) (model.FormEntry, error)
	// UpdateEntry replaces the data and status of an entry.
	UpdateEntry(ctx context.Context, entry model.FormEntry) (model.FormEntry, error)
	DeleteEntry(ctx context.Context, id int64) error
	// ListEntries returns a form's entries ordered by ID. A zero userID
	// returns every submitter's entries.
	ListEntries(ctx context.Context, formID, userID int64) ([]model.FormEntry, error)
	// CountEntries counts a form's entries. A zero userID counts all.
	CountEntries(ctx context.Context, formID, userID int64) (int, error)
	// SubmittedFormIDs returns the IDs of forms the user has entries for.
	SubmittedFormIDs(ctx context.Context, userID int64) ([]int64, error)
}

// numberFields assigns field IDs by position and fills a missing Order the
// same way, so fields without an explicit order keep their submitted order.
func numberFields(fields []model.FormField) []model.FormField {
	out := make([]model.FormField, len(fields))
	for i, f := range fields {
		f.ID = int64(i + 1)
		if f.Order == 0 {
			f.Order = i + 1
		}
		f.Options = append([]string(nil), f.Options...)
		out[i] = f
	}
	return out
}
