package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/recordflow/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	defs   map[int64]model.WorkflowDefinition
}

// NewMemoryStore creates an empty in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[int64]model.WorkflowDefinition)}
}

// Create inserts a new definition.
func (s *MemoryStore) Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTaken(def.Name, 0) {
		return model.WorkflowDefinition{}, nameConflict(def.Name)
	}

	s.nextID++
	now := time.Now().UTC()
	def.ID = s.nextID
	def.Steps = cloneSteps(def.Steps)
	def.CreatedAt = now
	def.UpdatedAt = now
	s.defs[def.ID] = def
	return def, nil
}

// Get returns a definition by ID.
func (s *MemoryStore) Get(ctx context.Context, id int64) (model.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return model.WorkflowDefinition{}, notFound(id)
	}
	def.Steps = cloneSteps(def.Steps)
	return def, nil
}

// GetByName returns a definition by name.
func (s *MemoryStore) GetByName(ctx context.Context, name string) (model.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.defs {
		if def.Name == name {
			def.Steps = cloneSteps(def.Steps)
			return def, nil
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(
		fmt.Sprintf("workflow definition %q not found", name),
	)
}

// Update replaces the name and steps of a definition.
func (s *MemoryStore) Update(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.defs[def.ID]
	if !ok {
		return model.WorkflowDefinition{}, notFound(def.ID)
	}
	if s.nameTaken(def.Name, def.ID) {
		return model.WorkflowDefinition{}, nameConflict(def.Name)
	}

	existing.Name = def.Name
	existing.Steps = cloneSteps(def.Steps)
	existing.UpdatedAt = time.Now().UTC()
	s.defs[def.ID] = existing
	return existing, nil
}

// Delete removes a definition.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return notFound(id)
	}
	delete(s.defs, id)
	return nil
}

// List returns all definitions ordered by ID.
func (s *MemoryStore) List(ctx context.Context) ([]model.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		def.Steps = cloneSteps(def.Steps)
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// nameTaken must be called with s.mu held.
func (s *MemoryStore) nameTaken(name string, exceptID int64) bool {
	for id, def := range s.defs {
		if id != exceptID && def.Name == name {
			return true
		}
	}
	return false
}

// cloneSteps deep-copies steps so callers cannot mutate stored state.
func cloneSteps(steps []model.Step) []model.Step {
	if steps == nil {
		return nil
	}
	out := make([]model.Step, len(steps))
	for i, s := range steps {
		out[i] = model.Step{
			Name:        s.Name,
			AssignUsers: append([]int64(nil), s.AssignUsers...),
			AssignRoles: append([]string(nil), s.AssignRoles...),
		}
		if s.FormID != nil {
			id := *s.FormID
			out[i].FormID = &id
		}
	}
	return out
}

func notFound(id int64) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("workflow definition %d not found", id))
}

func nameConflict(name string) *model.ErrorEnvelope {
	return model.NewConflictError(fmt.Sprintf("workflow definition named %q already exists", name))
}
