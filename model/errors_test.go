package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Workflow instance not found"}
	want := "NOT_FOUND: Workflow instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewForbiddenError(t *testing.T) {
	e := NewForbiddenError("access denied")
	if e.Code != ErrForbidden {
		t.Errorf("Code = %q, want %q", e.Code, ErrForbidden)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "steps" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "steps")
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternalError {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternalError)
	}
	if e.Message == "" {
		t.Error("Message should not be empty")
	}
}

func TestNewWorkflowNotActiveError(t *testing.T) {
	e := NewWorkflowNotActiveError("instance 4 is Completed")
	if e.Code != ErrWorkflowNotActive {
		t.Errorf("Code = %q, want %q", e.Code, ErrWorkflowNotActive)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"envelope", NewConflictError("dup"), ErrConflict},
		{"wrapped envelope", fmt.Errorf("start: %w", NewNotFoundError("gone")), ErrNotFound},
		{"plain error", fmt.Errorf("boom"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}
