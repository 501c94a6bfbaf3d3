package forms

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/model"
)

// WorkflowBinder is the slice of the workflow engine the submission bridge
// needs.
type WorkflowBinder interface {
	AuthorizeEntry(ctx context.Context, rctx *model.RequestContext, instanceID, formID int64) (model.WorkflowInstance, error)
	BindEntry(ctx context.Context, rctx *model.RequestContext, instanceID, formID, entryID int64) (model.WorkflowInstance, error)
}

// DefinitionLister lists workflow definitions so form visibility can follow
// step assignments.
type DefinitionLister interface {
	List(ctx context.Context) ([]model.WorkflowDefinition, error)
}

// FormInput carries the fields of a new form.
type FormInput struct {
	Name        string
	Description string
	Fields      []model.FormField
}

// FormUpdate carries a partial form update. Nil fields are left unchanged;
// a non-nil Fields replaces all fields.
type FormUpdate struct {
	Name        *string
	Description *string
	Fields      []model.FormField
}

// EntryInput carries the data of an entry submission or update. An empty
// Status means submitted.
type EntryInput struct {
	Data   map[string]any
	Status string
}

// SubmitResult is the outcome of SubmitEntry. Instance is set when the entry
// was bound to a workflow instance.
type SubmitResult struct {
	Entry    model.FormEntry         `json:"entry"`
	Instance *model.WorkflowInstance `json:"instance,omitempty"`
}

// Service applies authorization and validation around a Store and bridges
// entry submissions into workflow instances.
type Service struct {
	store   Store
	binder  WorkflowBinder
	defs    DefinitionLister
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates a forms service. metrics may be nil.
func NewService(store Store, binder WorkflowBinder, defs DefinitionLister, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		binder:  binder,
		defs:    defs,
		logger:  logger,
		metrics: metrics,
	}
}

// FormExists reports whether a form with the given ID exists.
func (s *Service) FormExists(ctx context.Context, id int64) (bool, error) {
	return s.store.FormExists(ctx, id)
}

// CreateForm stores a new form owned by the caller. Administrators only.
func (s *Service) CreateForm(ctx context.Context, rctx *model.RequestContext, in FormInput) (model.FormDefinition, error) {
	if err := model.RequireAdmin(rctx); err != nil {
		return model.FormDefinition{}, err
	}
	if details := validateForm(in.Name, in.Fields); len(details) > 0 {
		return model.FormDefinition{}, model.NewValidationError(details)
	}

	form, err := s.store.CreateForm(ctx, model.FormDefinition{
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   rctx.UserID,
		Fields:      in.Fields,
	})
	if err != nil {
		return model.FormDefinition{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("form created",
		zap.Int64("form_id", form.ID),
		zap.String("name", form.Name),
		zap.Int("fields", len(form.Fields)),
	)
	return form, nil
}

// GetForm returns a form to an administrator, to anyone who has submitted an
// entry against it, or to anyone eligible for a step bound to it.
func (s *Service) GetForm(ctx context.Context, rctx *model.RequestContext, id int64) (model.FormDefinition, error) {
	if err := model.RequireCaller(rctx); err != nil {
		return model.FormDefinition{}, err
	}
	form, err := s.store.GetForm(ctx, id)
	if err != nil {
		return model.FormDefinition{}, err
	}
	if rctx.IsAdmin() {
		return form, nil
	}

	n, err := s.store.CountEntries(ctx, id, rctx.UserID)
	if err != nil {
		return model.FormDefinition{}, err
	}
	if n > 0 {
		return form, nil
	}
	stepForms, err := s.eligibleStepForms(ctx, rctx)
	if err != nil {
		return model.FormDefinition{}, err
	}
	if stepForms[id] {
		return form, nil
	}
	return model.FormDefinition{}, model.NewForbiddenError(fmt.Sprintf("not permitted to view form %d", id))
}

// ListForms returns every form to administrators. Other callers see the forms
// they have submitted entries to and the forms bound to steps they are
// eligible for.
func (s *Service) ListForms(ctx context.Context, rctx *model.RequestContext) ([]model.FormDefinition, error) {
	if err := model.RequireCaller(rctx); err != nil {
		return nil, err
	}
	forms, err := s.store.ListForms(ctx)
	if err != nil {
		return nil, err
	}
	if rctx.IsAdmin() {
		return forms, nil
	}

	visible, err := s.eligibleStepForms(ctx, rctx)
	if err != nil {
		return nil, err
	}
	submitted, err := s.store.SubmittedFormIDs(ctx, rctx.UserID)
	if err != nil {
		return nil, err
	}
	for _, id := range submitted {
		visible[id] = true
	}

	result := []model.FormDefinition{}
	for _, f := range forms {
		if visible[f.ID] {
			result = append(result, f)
		}
	}
	return result, nil
}

// UpdateForm applies a partial update. Administrators only.
func (s *Service) UpdateForm(ctx context.Context, rctx *model.RequestContext, id int64, in FormUpdate) (model.FormDefinition, error) {
	if err := model.RequireAdmin(rctx); err != nil {
		return model.FormDefinition{}, err
	}
	form, err := s.store.GetForm(ctx, id)
	if err != nil {
		return model.FormDefinition{}, err
	}
	if in.Name != nil {
		form.Name = *in.Name
	}
	if in.Description != nil {
		form.Description = *in.Description
	}
	if in.Fields != nil {
		form.Fields = in.Fields
	}
	if details := validateForm(form.Name, form.Fields); len(details) > 0 {
		return model.FormDefinition{}, model.NewValidationError(details)
	}

	updated, err := s.store.UpdateForm(ctx, form)
	if err != nil {
		return model.FormDefinition{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("form updated", zap.Int64("form_id", id))
	return updated, nil
}

// DeleteForm removes a form that has no entries. Administrators only.
func (s *Service) DeleteForm(ctx context.Context, rctx *model.RequestContext, id int64) error {
	if err := model.RequireAdmin(rctx); err != nil {
		return err
	}
	if _, err := s.store.GetForm(ctx, id); err != nil {
		return err
	}
	n, err := s.store.CountEntries(ctx, id, 0)
	if err != nil {
		return err
	}
	if n > 0 {
		return model.NewBadRequestError(fmt.Sprintf("cannot delete form: it has %d associated entries", n))
	}
	if err := s.store.DeleteForm(ctx, id); err != nil {
		return err
	}
	observability.RequestLogger(ctx, s.logger).Info("form deleted", zap.Int64("form_id", id))
	return nil
}

// SubmitEntry stores an entry against a form. When instanceID is given the
// entry must fit the instance's current step; after it is stored the
// instance is rebound to it. A failed rebind removes the entry again.
func (s *Service) SubmitEntry(
	ctx context.Context,
	rctx *model.RequestContext,
	formID int64,
	in EntryInput,
	instanceID *int64,
) (result SubmitResult, err error) {
	attrs := []attribute.KeyValue{observability.AttrFormID.Int64(formID)}
	if instanceID != nil {
		attrs = append(attrs, observability.AttrInstanceID.Int64(*instanceID))
	}
	ctx, span := observability.StartSpan(ctx, "forms.SubmitEntry", attrs...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireCaller(rctx); err != nil {
		return SubmitResult{}, err
	}
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return SubmitResult{}, err
	}
	status, details := validateEntry(form, in)
	if len(details) > 0 {
		return SubmitResult{}, model.NewValidationError(details)
	}

	if instanceID != nil {
		if _, err := s.binder.AuthorizeEntry(ctx, rctx, *instanceID, formID); err != nil {
			return SubmitResult{}, err
		}
	}

	entry, err := s.store.CreateEntry(ctx, model.FormEntry{
		FormID: formID,
		UserID: rctx.UserID,
		Data:   in.Data,
		Status: status,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	logger := observability.RequestLogger(ctx, s.logger)
	logger.Debug("form entry stored",
		zap.Int64("entry_id", entry.ID),
		zap.Any("data", observability.RedactEntryData(entry.Data, observability.SensitiveFieldNames(form.Fields))),
	)

	result = SubmitResult{Entry: entry}
	if instanceID != nil {
		inst, err := s.binder.BindEntry(ctx, rctx, *instanceID, formID, entry.ID)
		if err != nil {
			s.discardEntry(ctx, entry.ID, err)
			return SubmitResult{}, err
		}
		result.Instance = &inst
	}

	s.metrics.RecordEntrySubmitted(result.Instance != nil)
	logger.Info("form entry submitted",
		zap.Int64("form_id", formID),
		zap.Int64("entry_id", entry.ID),
		zap.String("status", entry.Status),
		zap.Bool("bound", result.Instance != nil),
	)
	return result, nil
}

// discardEntry removes an entry whose binding failed. It runs detached from
// the request's cancellation so a timed-out bind still cleans up.
func (s *Service) discardEntry(ctx context.Context, entryID int64, cause error) {
	if err := s.store.DeleteEntry(context.WithoutCancel(ctx), entryID); err != nil {
		observability.RequestLogger(ctx, s.logger).Error("failed to remove unbound form entry",
			zap.Int64("entry_id", entryID),
			zap.NamedError("bind_error", cause),
			zap.Error(err),
		)
	}
}

// ListEntries returns every entry of a form. Administrators only.
func (s *Service) ListEntries(ctx context.Context, rctx *model.RequestContext, formID int64) ([]model.FormEntry, error) {
	if err := model.RequireAdmin(rctx); err != nil {
		return nil, err
	}
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, formID, 0)
}

// MyEntries returns the caller's entries for a form. Administrators see all
// entries.
func (s *Service) MyEntries(ctx context.Context, rctx *model.RequestContext, formID int64) ([]model.FormEntry, error) {
	if err := model.RequireCaller(rctx); err != nil {
		return nil, err
	}
	if _, err := s.store.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	userID := rctx.UserID
	if rctx.IsAdmin() {
		userID = 0
	}
	return s.store.ListEntries(ctx, formID, userID)
}

// UpdateEntry replaces the data and status of the caller's own entry.
func (s *Service) UpdateEntry(ctx context.Context, rctx *model.RequestContext, entryID int64, in EntryInput) (model.FormEntry, error) {
	if err := model.RequireCaller(rctx); err != nil {
		return model.FormEntry{}, err
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return model.FormEntry{}, err
	}
	if entry.UserID != rctx.UserID {
		return model.FormEntry{}, model.NewForbiddenError(fmt.Sprintf("form entry %d belongs to another user", entryID))
	}
	form, err := s.store.GetForm(ctx, entry.FormID)
	if err != nil {
		return model.FormEntry{}, err
	}
	if in.Status == "" {
		in.Status = entry.Status
	}
	status, details := validateEntry(form, in)
	if len(details) > 0 {
		return model.FormEntry{}, model.NewValidationError(details)
	}

	entry.Data = in.Data
	entry.Status = status
	updated, err := s.store.UpdateEntry(ctx, entry)
	if err != nil {
		return model.FormEntry{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("form entry updated",
		zap.Int64("entry_id", entryID),
		zap.String("status", updated.Status),
	)
	return updated, nil
}

// DeleteEntry removes an entry. Allowed for its owner and administrators.
func (s *Service) DeleteEntry(ctx context.Context, rctx *model.RequestContext, entryID int64) error {
	if err := model.RequireCaller(rctx); err != nil {
		return err
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.UserID != rctx.UserID && !rctx.IsAdmin() {
		return model.NewForbiddenError(fmt.Sprintf("form entry %d belongs to another user", entryID))
	}
	if err := s.store.DeleteEntry(ctx, entryID); err != nil {
		return err
	}
	observability.RequestLogger(ctx, s.logger).Info("form entry deleted",
		zap.Int64("entry_id", entryID),
		zap.Int64("by", rctx.UserID),
	)
	return nil
}

// eligibleStepForms returns the IDs of forms bound to steps the caller is
// eligible for.
func (s *Service) eligibleStepForms(ctx context.Context, rctx *model.RequestContext) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	if s.defs == nil {
		return ids, nil
	}
	defs, err := s.defs.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		for _, step := range def.Steps {
			if step.FormID != nil && step.IsEligible(rctx) {
				ids[*step.FormID] = true
			}
		}
	}
	return ids, nil
}

func validateForm(name string, fields []model.FormField) []model.FieldError {
	var details []model.FieldError
	if strings.TrimSpace(name) == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "form name is required"})
	}
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		path := fmt.Sprintf("fields[%d].name", i)
		switch {
		case strings.TrimSpace(f.Name) == "":
			details = append(details, model.FieldError{Field: path, Code: "REQUIRED", Message: "field name is required"})
		case seen[f.Name]:
			details = append(details, model.FieldError{Field: path, Code: "DUPLICATE", Message: fmt.Sprintf("field %q is declared twice", f.Name)})
		}
		seen[f.Name] = true
	}
	return details
}

// validateEntry resolves the entry status and, for submitted entries, checks
// that every required field carries a value.
func validateEntry(form model.FormDefinition, in EntryInput) (string, []model.FieldError) {
	status := in.Status
	if status == "" {
		status = model.EntryStatusSubmitted
	}
	if status != model.EntryStatusDraft && status != model.EntryStatusSubmitted {
		return status, []model.FieldError{{
			Field:   "status",
			Code:    "INVALID",
			Message: fmt.Sprintf("status must be %q or %q", model.EntryStatusDraft, model.EntryStatusSubmitted),
		}}
	}
	if status == model.EntryStatusDraft {
		return status, nil
	}

	var details []model.FieldError
	for _, f := range form.Fields {
		if !f.Required {
			continue
		}
		if v, ok := in.Data[f.Name]; !ok || isBlank(v) {
			details = append(details, model.FieldError{
				Field:   "data." + f.Name,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", fieldLabel(f)),
			})
		}
	}
	return status, details
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func fieldLabel(f model.FormField) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}
