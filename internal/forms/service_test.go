package forms

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/recordflow/internal/definition"
	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/internal/workflow"
	"github.com/pitabwire/recordflow/model"
)

const (
	submitterID = int64(1)
	reviewerID  = int64(2)
	outsiderID  = int64(3)
)

func caller(id int64, roles ...string) *model.RequestContext {
	return &model.RequestContext{UserID: id, Roles: roles}
}

func admin() *model.RequestContext {
	return caller(100, model.RoleAdministrator)
}

type testEnv struct {
	svc       *Service
	store     *MemoryStore
	defs      *definition.MemoryStore
	instances *workflow.MemoryStore
	engine    *workflow.Engine
	metrics   *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     NewMemoryStore(),
		defs:      definition.NewMemoryStore(),
		instances: workflow.NewMemoryStore(),
		metrics:   observability.InitMetrics(prometheus.NewRegistry()),
	}
	env.engine = workflow.NewEngine(env.defs, env.instances, nil, zap.NewNop(), env.metrics)
	env.svc = NewService(env.store, env.engine, env.defs, zap.NewNop(), env.metrics)
	return env
}

func (env *testEnv) form(t *testing.T, name string, fields ...model.FormField) model.FormDefinition {
	t.Helper()
	form, err := env.svc.CreateForm(context.Background(), admin(), FormInput{Name: name, Fields: fields})
	require.NoError(t, err)
	return form
}

// reviewFlow defines Submit (submitter, bound to submitForm) followed by
// Review (reviewer, bound to reviewForm) and starts the submitter's instance.
func (env *testEnv) reviewFlow(t *testing.T, submitForm, reviewForm int64) model.WorkflowInstance {
	t.Helper()
	def, err := env.defs.Create(context.Background(), model.WorkflowDefinition{
		Name: "Document Review",
		Steps: []model.Step{
			{Name: "Submit", AssignUsers: []int64{submitterID}, FormID: &submitForm},
			{Name: "Review", AssignUsers: []int64{reviewerID}, FormID: &reviewForm},
		},
	})
	require.NoError(t, err)
	inst, err := env.engine.Start(context.Background(), caller(submitterID), def.ID, model.EntityTypeWorkflow, 0)
	require.NoError(t, err)
	return inst
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, model.ErrorCode(err), "error = %v", err)
}

func TestCreateForm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	form, err := env.svc.CreateForm(ctx, admin(), FormInput{
		Name:        "Leave Request",
		Description: "Annual leave",
		Fields: []model.FormField{
			{Name: "from", FieldType: "date", Required: true},
			{Name: "to", FieldType: "date", Required: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, admin().UserID, form.CreatedBy)
	require.Len(t, form.Fields, 2)
	assert.Equal(t, int64(2), form.Fields[1].ID)
	assert.Equal(t, 2, form.Fields[1].Order)

	_, err = env.svc.CreateForm(ctx, admin(), FormInput{Name: "Leave Request"})
	assertCode(t, err, model.ErrConflict)

	_, err = env.svc.CreateForm(ctx, caller(submitterID), FormInput{Name: "Other"})
	assertCode(t, err, model.ErrForbidden)

	_, err = env.svc.CreateForm(ctx, nil, FormInput{Name: "Other"})
	assertCode(t, err, model.ErrUnauthorized)
}

func TestCreateForm_validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateForm(context.Background(), admin(), FormInput{
		Fields: []model.FormField{{Name: "a"}, {Name: ""}, {Name: "a"}},
	})
	assertCode(t, err, model.ErrValidationError)

	var envelope *model.ErrorEnvelope
	require.ErrorAs(t, err, &envelope)
	fields := make([]string, 0, len(envelope.Details))
	for _, d := range envelope.Details {
		fields = append(fields, d.Field+":"+d.Code)
	}
	assert.ElementsMatch(t, []string{"name:REQUIRED", "fields[1].name:REQUIRED", "fields[2].name:DUPLICATE"}, fields)
}

func TestSubmitEntry_withoutInstance(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Feedback", model.FormField{Name: "comment", Required: true})

	result, err := env.svc.SubmitEntry(context.Background(), caller(outsiderID), form.ID,
		EntryInput{Data: map[string]any{"comment": "fine"}}, nil)
	require.NoError(t, err)
	assert.Nil(t, result.Instance)
	assert.Equal(t, outsiderID, result.Entry.UserID)
	assert.Equal(t, model.EntryStatusSubmitted, result.Entry.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.FormEntriesSubmittedTotal.WithLabelValues("false")))
}

func TestSubmitEntry_logRedactsSensitiveFields(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zapcore.DebugLevel)
	svc := NewService(env.store, env.engine, env.defs, zap.New(core), env.metrics)
	form := env.form(t, "Leave Request",
		model.FormField{Name: "reason"},
		model.FormField{Name: "access_code", FieldType: "password"},
	)

	_, err := svc.SubmitEntry(context.Background(), caller(outsiderID), form.ID,
		EntryInput{Data: map[string]any{"reason": "family", "access_code": "9911", "phone": "0700"}}, nil)
	require.NoError(t, err)

	stored := logs.FilterMessage("form entry stored").All()
	require.Len(t, stored, 1)
	data, ok := stored[0].ContextMap()["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "family", data["reason"])
	assert.Equal(t, "[REDACTED]", data["access_code"])
	assert.Equal(t, "[REDACTED]", data["phone"])
}

func TestSubmitEntry_unknownForm(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SubmitEntry(context.Background(), caller(submitterID), 99, EntryInput{}, nil)
	assertCode(t, err, model.ErrNotFound)
}

func TestSubmitEntry_requiredFields(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Feedback",
		model.FormField{Name: "comment", Label: "Comment", Required: true},
		model.FormField{Name: "rating"},
	)
	ctx := context.Background()

	_, err := env.svc.SubmitEntry(ctx, caller(submitterID), form.ID,
		EntryInput{Data: map[string]any{"comment": "  ", "rating": 3}}, nil)
	assertCode(t, err, model.ErrValidationError)

	draft, err := env.svc.SubmitEntry(ctx, caller(submitterID), form.ID,
		EntryInput{Data: map[string]any{}, Status: model.EntryStatusDraft}, nil)
	require.NoError(t, err, "drafts skip required-field checks")
	assert.Equal(t, model.EntryStatusDraft, draft.Entry.Status)

	_, err = env.svc.SubmitEntry(ctx, caller(submitterID), form.ID,
		EntryInput{Data: map[string]any{"comment": "x"}, Status: "archived"}, nil)
	assertCode(t, err, model.ErrValidationError)
}

func TestSubmitEntry_bindsInstance(t *testing.T) {
	env := newTestEnv(t)
	submitForm := env.form(t, "Submission")
	reviewForm := env.form(t, "Review Notes")
	inst := env.reviewFlow(t, submitForm.ID, reviewForm.ID)

	result, err := env.svc.SubmitEntry(context.Background(), caller(submitterID), submitForm.ID,
		EntryInput{Data: map[string]any{"title": "Q3 report"}}, &inst.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Instance)

	bound := *result.Instance
	assert.Equal(t, model.EntityTypeFormEntry, bound.EntityType)
	assert.Equal(t, result.Entry.ID, bound.EntityID)
	assert.Equal(t, 0, bound.CurrentStep, "binding must not advance the step")
	assert.Equal(t, "Submit", bound.State)
	assert.Equal(t, submitterID, bound.UserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.FormEntriesSubmittedTotal.WithLabelValues("true")))
}

func TestSubmitEntry_rejectedByInstance(t *testing.T) {
	tests := []struct {
		name     string
		caller   *model.RequestContext
		useForm  func(submit, review model.FormDefinition) int64
		finish   bool
		wantCode string
	}{
		{
			name:     "form does not match current step",
			caller:   caller(submitterID),
			useForm:  func(_, review model.FormDefinition) int64 { return review.ID },
			wantCode: model.ErrBadRequest,
		},
		{
			name:     "caller not eligible for step",
			caller:   caller(outsiderID),
			useForm:  func(submit, _ model.FormDefinition) int64 { return submit.ID },
			wantCode: model.ErrForbidden,
		},
		{
			name:     "instance finished",
			caller:   caller(submitterID),
			useForm:  func(submit, _ model.FormDefinition) int64 { return submit.ID },
			finish:   true,
			wantCode: model.ErrWorkflowNotActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			submitForm := env.form(t, "Submission")
			reviewForm := env.form(t, "Review Notes")
			inst := env.reviewFlow(t, submitForm.ID, reviewForm.ID)
			if tt.finish {
				_, err := env.engine.Transition(context.Background(), caller(submitterID), inst.ID, "no", model.ActionRejected)
				require.NoError(t, err)
			}

			formID := tt.useForm(submitForm, reviewForm)
			_, err := env.svc.SubmitEntry(context.Background(), tt.caller, formID,
				EntryInput{Data: map[string]any{}}, &inst.ID)
			assertCode(t, err, tt.wantCode)

			n, err := env.store.CountEntries(context.Background(), formID, 0)
			require.NoError(t, err)
			assert.Zero(t, n, "no entry may be stored when authorization fails")
		})
	}
}

func TestSubmitEntry_unknownInstance(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Submission")
	missing := int64(404)

	_, err := env.svc.SubmitEntry(context.Background(), caller(submitterID), form.ID, EntryInput{}, &missing)
	assertCode(t, err, model.ErrNotFound)
}

// failingBinder authorizes every submission but fails the rebind.
type failingBinder struct {
	err error
}

func (b failingBinder) AuthorizeEntry(context.Context, *model.RequestContext, int64, int64) (model.WorkflowInstance, error) {
	return model.WorkflowInstance{}, nil
}

func (b failingBinder) BindEntry(context.Context, *model.RequestContext, int64, int64, int64) (model.WorkflowInstance, error) {
	return model.WorkflowInstance{}, b.err
}

func TestSubmitEntry_bindFailureRemovesEntry(t *testing.T) {
	store := NewMemoryStore()
	form, err := store.CreateForm(context.Background(), model.FormDefinition{Name: "Submission"})
	require.NoError(t, err)

	binder := failingBinder{err: model.NewConflictError("instance modified concurrently")}
	svc := NewService(store, binder, nil, zap.NewNop(), nil)
	instanceID := int64(7)

	_, err = svc.SubmitEntry(context.Background(), caller(submitterID), form.ID, EntryInput{}, &instanceID)
	assertCode(t, err, model.ErrConflict)

	n, err := store.CountEntries(context.Background(), form.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitEntry_bindFailureAfterCancellationStillRemovesEntry(t *testing.T) {
	store := NewMemoryStore()
	form, err := store.CreateForm(context.Background(), model.FormDefinition{Name: "Submission"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	binder := cancellingBinder{cancel: cancel}
	svc := NewService(store, binder, nil, zap.NewNop(), nil)
	instanceID := int64(7)

	_, err = svc.SubmitEntry(ctx, caller(submitterID), form.ID, EntryInput{}, &instanceID)
	require.ErrorIs(t, err, context.Canceled)

	n, err := store.CountEntries(context.Background(), form.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// cancellingBinder cancels the request while binding.
type cancellingBinder struct {
	cancel context.CancelFunc
}

func (b cancellingBinder) AuthorizeEntry(context.Context, *model.RequestContext, int64, int64) (model.WorkflowInstance, error) {
	return model.WorkflowInstance{}, nil
}

func (b cancellingBinder) BindEntry(ctx context.Context, _ *model.RequestContext, _, _, _ int64) (model.WorkflowInstance, error) {
	b.cancel()
	return model.WorkflowInstance{}, ctx.Err()
}

func TestGetForm_visibility(t *testing.T) {
	env := newTestEnv(t)
	submitForm := env.form(t, "Submission")
	reviewForm := env.form(t, "Review Notes")
	feedback := env.form(t, "Feedback")
	env.reviewFlow(t, submitForm.ID, reviewForm.ID)
	ctx := context.Background()

	_, err := env.svc.SubmitEntry(ctx, caller(outsiderID), feedback.ID, EntryInput{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		caller   *model.RequestContext
		formID   int64
		wantCode string
	}{
		{"admin sees any form", admin(), submitForm.ID, ""},
		{"eligible for bound step", caller(reviewerID), reviewForm.ID, ""},
		{"submitted an entry", caller(outsiderID), feedback.ID, ""},
		{"not eligible for step", caller(reviewerID), submitForm.ID, model.ErrForbidden},
		{"unrelated form", caller(outsiderID), submitForm.ID, model.ErrForbidden},
		{"missing form", admin(), 999, model.ErrNotFound},
		{"anonymous", nil, submitForm.ID, model.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form, err := env.svc.GetForm(ctx, tt.caller, tt.formID)
			if tt.wantCode != "" {
				assertCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.formID, form.ID)
		})
	}
}

func TestListForms_visibility(t *testing.T) {
	env := newTestEnv(t)
	submitForm := env.form(t, "Submission")
	reviewForm := env.form(t, "Review Notes")
	feedback := env.form(t, "Feedback")
	env.reviewFlow(t, submitForm.ID, reviewForm.ID)
	ctx := context.Background()

	_, err := env.svc.SubmitEntry(ctx, caller(reviewerID), feedback.ID, EntryInput{}, nil)
	require.NoError(t, err)

	names := func(forms []model.FormDefinition) []string {
		out := make([]string, len(forms))
		for i, f := range forms {
			out[i] = f.Name
		}
		return out
	}

	all, err := env.svc.ListForms(ctx, admin())
	require.NoError(t, err)
	assert.Equal(t, []string{"Submission", "Review Notes", "Feedback"}, names(all))

	reviewer, err := env.svc.ListForms(ctx, caller(reviewerID))
	require.NoError(t, err)
	assert.Equal(t, []string{"Review Notes", "Feedback"}, names(reviewer))

	outsider, err := env.svc.ListForms(ctx, caller(outsiderID))
	require.NoError(t, err)
	assert.Empty(t, outsider)
}

func TestUpdateForm(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Feedback", model.FormField{Name: "comment"})
	env.form(t, "Taken")
	ctx := context.Background()

	desc := "Tell us"
	updated, err := env.svc.UpdateForm(ctx, admin(), form.ID, FormUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Feedback", updated.Name)
	assert.Equal(t, "Tell us", updated.Description)
	assert.Len(t, updated.Fields, 1, "nil fields leave the fields unchanged")

	taken := "Taken"
	_, err = env.svc.UpdateForm(ctx, admin(), form.ID, FormUpdate{Name: &taken})
	assertCode(t, err, model.ErrConflict)

	_, err = env.svc.UpdateForm(ctx, caller(submitterID), form.ID, FormUpdate{Description: &desc})
	assertCode(t, err, model.ErrForbidden)

	_, err = env.svc.UpdateForm(ctx, admin(), 999, FormUpdate{Description: &desc})
	assertCode(t, err, model.ErrNotFound)
}

func TestDeleteForm(t *testing.T) {
	env := newTestEnv(t)
	used := env.form(t, "Used")
	unused := env.form(t, "Unused")
	ctx := context.Background()

	_, err := env.svc.SubmitEntry(ctx, caller(submitterID), used.ID, EntryInput{}, nil)
	require.NoError(t, err)

	err = env.svc.DeleteForm(ctx, admin(), used.ID)
	assertCode(t, err, model.ErrBadRequest)
	assert.Contains(t, err.Error(), "1 associated entries")

	assertCode(t, env.svc.DeleteForm(ctx, caller(submitterID), unused.ID), model.ErrForbidden)
	require.NoError(t, env.svc.DeleteForm(ctx, admin(), unused.ID))
	assertCode(t, env.svc.DeleteForm(ctx, admin(), unused.ID), model.ErrNotFound)

	exists, err := env.svc.FormExists(ctx, unused.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEntries_listing(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Feedback")
	ctx := context.Background()

	for _, id := range []int64{submitterID, reviewerID, submitterID} {
		_, err := env.svc.SubmitEntry(ctx, caller(id), form.ID, EntryInput{}, nil)
		require.NoError(t, err)
	}

	mine, err := env.svc.MyEntries(ctx, caller(submitterID), form.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := env.svc.MyEntries(ctx, caller(outsiderID), form.ID)
	require.NoError(t, err)
	assert.Empty(t, none)

	adminView, err := env.svc.MyEntries(ctx, admin(), form.ID)
	require.NoError(t, err)
	assert.Len(t, adminView, 3)

	all, err := env.svc.ListEntries(ctx, admin(), form.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = env.svc.ListEntries(ctx, caller(submitterID), form.ID)
	assertCode(t, err, model.ErrForbidden)
}

func TestUpdateEntry(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Feedback", model.FormField{Name: "comment", Required: true})
	ctx := context.Background()

	draft, err := env.svc.SubmitEntry(ctx, caller(submitterID), form.ID,
		EntryInput{Data: map[string]any{}, Status: model.EntryStatusDraft}, nil)
	require.NoError(t, err)
	entryID := draft.Entry.ID

	_, err = env.svc.UpdateEntry(ctx, caller(reviewerID), entryID, EntryInput{Data: map[string]any{"comment": "x"}})
	assertCode(t, err, model.ErrForbidden)

	_, err = env.svc.UpdateEntry(ctx, admin(), entryID, EntryInput{Data: map[string]any{"comment": "x"}})
	assertCode(t, err, model.ErrForbidden)

	kept, err := env.svc.UpdateEntry(ctx, caller(submitterID), entryID, EntryInput{Data: map[string]any{"comment": "half"}})
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusDraft, kept.Status, "an empty status keeps the current one")

	_, err = env.svc.UpdateEntry(ctx, caller(submitterID), entryID,
		EntryInput{Data: map[string]any{}, Status: model.EntryStatusSubmitted})
	assertCode(t, err, model.ErrValidationError)

	submitted, err := env.svc.UpdateEntry(ctx, caller(submitterID), entryID,
		EntryInput{Data: map[string]any{"comment": "done"}, Status: model.EntryStatusSubmitted})
	require.NoError(t, err)
	assert.Equal(t, "done", submitted.Data["comment"])
	assert.Equal(t, model.EntryStatusSubmitted, submitted.Status)

	_, err = env.svc.UpdateEntry(ctx, caller(submitterID), 999, EntryInput{})
	assertCode(t, err, model.ErrNotFound)
}

func TestDeleteEntry(t *testing.T) {
	env := newTestEnv(t)
	form := env.form(t, "Feedback")
	ctx := context.Background()

	first, err := env.svc.SubmitEntry(ctx, caller(submitterID), form.ID, EntryInput{}, nil)
	require.NoError(t, err)
	second, err := env.svc.SubmitEntry(ctx, caller(submitterID), form.ID, EntryInput{}, nil)
	require.NoError(t, err)

	assertCode(t, env.svc.DeleteEntry(ctx, caller(reviewerID), first.Entry.ID), model.ErrForbidden)
	require.NoError(t, env.svc.DeleteEntry(ctx, caller(submitterID), first.Entry.ID))
	require.NoError(t, env.svc.DeleteEntry(ctx, admin(), second.Entry.ID))
	assertCode(t, env.svc.DeleteEntry(ctx, admin(), second.Entry.ID), model.ErrNotFound)
}
