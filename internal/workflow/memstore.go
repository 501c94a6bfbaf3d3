package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/recordflow/model"
)

// MemoryStore is an in-memory InstanceStore. A key index enforces the same
// uniqueness the PostgreSQL constraint does.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	instances map[int64]model.WorkflowInstance
	byKey     map[model.InstanceKey]int64
}

// NewMemoryStore creates an empty in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[int64]model.WorkflowInstance),
		byKey:     make(map[model.InstanceKey]int64),
	}
}

// Create inserts a new instance.
func (s *MemoryStore) Create(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowInstance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inst.Key()
	if _, exists := s.byKey[key]; exists {
		return model.WorkflowInstance{}, keyConflict(key)
	}

	s.nextID++
	now := time.Now().UTC()
	inst.ID = s.nextID
	inst.Version = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.Logs = cloneLogs(inst.Logs)
	inst.FormID = nil
	s.instances[inst.ID] = inst
	s.byKey[key] = inst.ID
	return cloneInstance(inst), nil
}

// Get returns an instance by ID.
func (s *MemoryStore) Get(ctx context.Context, id int64) (model.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowInstance{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	return cloneInstance(inst), nil
}

// FindByKey returns the instance with the given key.
func (s *MemoryStore) FindByKey(ctx context.Context, key model.InstanceKey) (model.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowInstance{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no instance of workflow %d for %s %d", key.WorkflowID, key.EntityType, key.EntityID),
		)
	}
	return cloneInstance(s.instances[id]), nil
}

// Update persists inst with optimistic locking on Version.
func (s *MemoryStore) Update(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowInstance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.WorkflowInstance{}, versionConflict(inst.ID, inst.Version)
	}

	// WorkflowID and UserID are fixed at creation.
	inst.WorkflowID = existing.WorkflowID
	inst.UserID = existing.UserID
	inst.CreatedAt = existing.CreatedAt

	oldKey, newKey := existing.Key(), inst.Key()
	if newKey != oldKey {
		if _, taken := s.byKey[newKey]; taken {
			return model.WorkflowInstance{}, keyConflict(newKey)
		}
		delete(s.byKey, oldKey)
		s.byKey[newKey] = inst.ID
	}

	inst.Version = existing.Version + 1
	inst.UpdatedAt = time.Now().UTC()
	inst.Logs = cloneLogs(inst.Logs)
	inst.FormID = nil
	s.instances[inst.ID] = inst
	return cloneInstance(inst), nil
}

// Delete removes an instance.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return instanceNotFound(id)
	}
	delete(s.byKey, inst.Key())
	delete(s.instances, id)
	return nil
}

// DeleteByWorkflow removes every instance of a definition.
func (s *MemoryStore) DeleteByWorkflow(ctx context.Context, workflowID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, inst := range s.instances {
		if inst.WorkflowID == workflowID {
			delete(s.byKey, inst.Key())
			delete(s.instances, id)
		}
	}
	return nil
}

// ListByWorkflow returns a definition's instances ordered by ID.
func (s *MemoryStore) ListByWorkflow(ctx context.Context, workflowID int64) ([]model.WorkflowInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowInstance{}
	for _, inst := range s.instances {
		if inst.WorkflowID == workflowID {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Logs = cloneLogs(inst.Logs)
	return inst
}

func cloneLogs(logs []model.TransitionLogEntry) []model.TransitionLogEntry {
	out := make([]model.TransitionLogEntry, len(logs))
	copy(out, logs)
	return out
}

func instanceNotFound(id int64) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %d not found", id))
}

func versionConflict(id int64, version int) *model.ErrorEnvelope {
	return model.NewConflictError(
		fmt.Sprintf("workflow instance %d was modified concurrently (expected version %d)", id, version),
	)
}

func keyConflict(key model.InstanceKey) *model.ErrorEnvelope {
	return model.NewConflictError(
		fmt.Sprintf("an instance of workflow %d already exists for %s %d and user %d",
			key.WorkflowID, key.EntityType, key.EntityID, key.UserID),
	)
}
