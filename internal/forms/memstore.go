package forms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/recordflow/model"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu          sync.RWMutex
	nextFormID  int64
	nextEntryID int64
	forms       map[int64]model.FormDefinition
	entries     map[int64]model.FormEntry
}

// NewMemoryStore creates an empty in-memory forms store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forms:   make(map[int64]model.FormDefinition),
		entries: make(map[int64]model.FormEntry),
	}
}

func (s *MemoryStore) CreateForm(ctx context.Context, form model.FormDefinition) (model.FormDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.FormDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.formNameTaken(form.Name, 0) {
		return model.FormDefinition{}, formNameConflict(form.Name)
	}
	s.nextFormID++
	form.ID = s.nextFormID
	form.CreatedAt = time.Now().UTC()
	form.Fields = numberFields(form.Fields)
	s.forms[form.ID] = form
	return cloneForm(form), nil
}

func (s *MemoryStore) GetForm(ctx context.Context, id int64) (model.FormDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.FormDefinition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	form, ok := s.forms[id]
	if !ok {
		return model.FormDefinition{}, formNotFound(id)
	}
	return cloneForm(form), nil
}

func (s *MemoryStore) UpdateForm(ctx context.Context, form model.FormDefinition) (model.FormDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.FormDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.forms[form.ID]
	if !ok {
		return model.FormDefinition{}, formNotFound(form.ID)
	}
	if s.formNameTaken(form.Name, form.ID) {
		return model.FormDefinition{}, formNameConflict(form.Name)
	}
	existing.Name = form.Name
	existing.Description = form.Description
	existing.Fields = numberFields(form.Fields)
	s.forms[form.ID] = existing
	return cloneForm(existing), nil
}

func (s *MemoryStore) DeleteForm(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.forms[id]; !ok {
		return formNotFound(id)
	}
	delete(s.forms, id)
	return nil
}

func (s *MemoryStore) ListForms(ctx context.Context) ([]model.FormDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.FormDefinition, 0, len(s.forms))
	for _, f := range s.forms {
		result = append(result, cloneForm(f))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) FormExists(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.forms[id]
	return ok, nil
}

func (s *MemoryStore) CreateEntry(ctx context.Context, entry model.FormEntry) (model.FormEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.FormEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.forms[entry.FormID]; !ok {
		return model.FormEntry{}, formNotFound(entry.FormID)
	}
	s.nextEntryID++
	now := time.Now().UTC()
	entry.ID = s.nextEntryID
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.Data = cloneData(entry.Data)
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id int64) (model.FormEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.FormEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return model.FormEntry{}, entryNotFound(id)
	}
	entry.Data = cloneData(entry.Data)
	return entry, nil
}

func (s *MemoryStore) UpdateEntry(ctx context.Context, entry model.FormEntry) (model.FormEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.FormEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[entry.ID]
	if !ok {
		return model.FormEntry{}, entryNotFound(entry.ID)
	}
	existing.Data = cloneData(entry.Data)
	existing.Status = entry.Status
	existing.UpdatedAt = time.Now().UTC()
	s.entries[entry.ID] = existing
	return existing, nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return entryNotFound(id)
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, formID, userID int64) ([]model.FormEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.FormEntry{}
	for _, e := range s.entries {
		if e.FormID == formID && (userID == 0 || e.UserID == userID) {
			e.Data = cloneData(e.Data)
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CountEntries(ctx context.Context, formID, userID int64) (int, error) {
	entries, err := s.ListEntries(ctx, formID, userID)
	return len(entries), err
}

func (s *MemoryStore) SubmittedFormIDs(ctx context.Context, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]bool)
	ids := []int64{}
	for _, e := range s.entries {
		if e.UserID == userID && !seen[e.FormID] {
			seen[e.FormID] = true
			ids = append(ids, e.FormID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// formNameTaken must be called with s.mu held.
func (s *MemoryStore) formNameTaken(name string, exceptID int64) bool {
	for id, f := range s.forms {
		if id != exceptID && f.Name == name {
			return true
		}
	}
	return false
}

func cloneForm(f model.FormDefinition) model.FormDefinition {
	fields := make([]model.FormField, len(f.Fields))
	for i, field := range f.Fields {
		field.Options = append([]string(nil), field.Options...)
		fields[i] = field
	}
	f.Fields = fields
	return f
}

// cloneData copies the top level of an entry's data.
func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func formNotFound(id int64) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("form %d not found", id))
}

func entryNotFound(id int64) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("form entry %d not found", id))
}

func formNameConflict(name string) *model.ErrorEnvelope {
	return model.NewConflictError(fmt.Sprintf("form named %q already exists", name))
}
