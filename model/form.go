package model

import "time"

// FormDefinition is a dynamically defined form that entries are submitted
// against.
type FormDefinition struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	CreatedBy   int64       `json:"created_by"`
	Fields      []FormField `json:"fields"`
	CreatedAt   time.Time   `json:"created_at"`
}

// FormField describes one input of a form. Fields are presented in Order.
type FormField struct {
	ID        int64    `json:"id,omitempty"`
	Name      string   `json:"name"`
	Label     string   `json:"label,omitempty"`
	FieldType string   `json:"field_type"`
	Required  bool     `json:"required"`
	Options   []string `json:"options,omitempty"`
	Order     int      `json:"order"`
}

// FormEntry is a submission of data against a form.
type FormEntry struct {
	ID        int64          `json:"id"`
	FormID    int64          `json:"form_id"`
	UserID    int64          `json:"user_id"`
	Data      map[string]any `json:"data"`
	Status    string         `json:"status,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Entry statuses. Drafts skip required-field checks.
const (
	EntryStatusDraft     = "draft"
	EntryStatusSubmitted = "submitted"
)
