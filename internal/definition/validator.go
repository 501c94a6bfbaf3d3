package definition

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/recordflow/model"
)

// FormChecker reports whether a form definition exists. The forms service
// implements it.
type FormChecker interface {
	FormExists(ctx context.Context, formID int64) (bool, error)
}

// Validator checks a definition's name and steps, including that every step
// form binding refers to an existing form.
type Validator struct {
	forms FormChecker
}

// NewValidator creates a Validator. forms may be nil to skip form reference
// checks.
func NewValidator(forms FormChecker) *Validator {
	return &Validator{forms: forms}
}

// Validate returns field errors for name and steps. The error return is
// reserved for failures of the form lookup itself.
func (v *Validator) Validate(ctx context.Context, name string, steps []model.Step) ([]model.FieldError, error) {
	var errs []model.FieldError

	if strings.TrimSpace(name) == "" {
		errs = append(errs, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(steps) == 0 {
		errs = append(errs, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	checked := make(map[int64]bool)
	for i, s := range steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		switch strings.TrimSpace(s.Name) {
		case "":
			errs = append(errs, model.FieldError{Field: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
		case model.StateCompleted, model.StateRejected:
			// An instance's state is its step name, so these would read as finished.
			errs = append(errs, model.FieldError{
				Field:   prefix + ".name",
				Code:    "RESERVED",
				Message: fmt.Sprintf("step name %q is reserved for finished workflows", s.Name),
			})
		}
		if s.FormID == nil || v.forms == nil {
			continue
		}

		formID := *s.FormID
		exists, seen := checked[formID]
		if !seen {
			var err error
			exists, err = v.forms.FormExists(ctx, formID)
			if err != nil {
				return nil, fmt.Errorf("check form %d: %w", formID, err)
			}
			checked[formID] = exists
		}
		if !exists {
			errs = append(errs, model.FieldError{
				Field:   prefix + ".form_id",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("form %d does not exist", formID),
			})
		}
	}

	return errs, nil
}
