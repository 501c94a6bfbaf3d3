package definition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/model"
)

// InstanceRemover deletes the instances of a definition. Stores that cascade
// in the database may treat it as a no-op.
type InstanceRemover interface {
	DeleteByWorkflow(ctx context.Context, workflowID int64) error
}

// UpdateInput carries the fields of a definition update. Nil fields are left
// unchanged; a non-nil Steps replaces the whole step sequence.
type UpdateInput struct {
	Name  *string
	Steps []model.Step
}

// Service applies authorization and validation around a Store.
type Service struct {
	store     Store
	validator *Validator
	instances InstanceRemover
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewService creates a definition service. instances and metrics may be nil.
func NewService(store Store, forms FormChecker, instances InstanceRemover, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		validator: NewValidator(forms),
		instances: instances,
		logger:    logger,
		metrics:   metrics,
	}
}

// Create validates and stores a new definition. Administrators only.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, name string, steps []model.Step) (model.WorkflowDefinition, error) {
	if err := model.RequireAdmin(rctx); err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := s.validate(ctx, name, steps); err != nil {
		return model.WorkflowDefinition{}, err
	}

	def, err := s.store.Create(ctx, model.WorkflowDefinition{Name: name, Steps: steps})
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.logger.Info("workflow definition created",
		zap.Int64("workflow_id", def.ID),
		zap.String("name", def.Name),
		zap.Int("steps", len(def.Steps)),
		zap.Int64("by", rctx.UserID),
	)
	return def, nil
}

// Get returns a definition to any authenticated caller.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, id int64) (model.WorkflowDefinition, error) {
	if err := model.RequireCaller(rctx); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return s.store.Get(ctx, id)
}

// Update replaces the name and/or steps of a definition. Running instances
// are left untouched and will read the new steps by index. Administrators
// only.
func (s *Service) Update(ctx context.Context, rctx *model.RequestContext, id int64, in UpdateInput) (model.WorkflowDefinition, error) {
	if err := model.RequireAdmin(rctx); err != nil {
		return model.WorkflowDefinition{}, err
	}

	def, err := s.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if in.Name != nil {
		def.Name = *in.Name
	}
	if in.Steps != nil {
		def.Steps = in.Steps
	}
	if err := s.validate(ctx, def.Name, def.Steps); err != nil {
		return model.WorkflowDefinition{}, err
	}

	updated, err := s.store.Update(ctx, def)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.logger.Info("workflow definition updated",
		zap.Int64("workflow_id", updated.ID),
		zap.Bool("steps_replaced", in.Steps != nil),
		zap.Int64("by", rctx.UserID),
	)
	return updated, nil
}

// Delete removes a definition together with its instances. Administrators
// only.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, id int64) error {
	if err := model.RequireAdmin(rctx); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	// Instances go first so a failure leaves the definition they point at.
	if s.instances != nil {
		if err := s.instances.DeleteByWorkflow(ctx, id); err != nil {
			return fmt.Errorf("delete instances of workflow %d: %w", id, err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("workflow definition deleted", zap.Int64("workflow_id", id), zap.Int64("by", rctx.UserID))
	return nil
}

// List returns all definitions ordered by ID. Administrators only.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext) ([]model.WorkflowDefinition, error) {
	if err := model.RequireAdmin(rctx); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

// Seed creates a definition for every seed whose name is not yet stored.
// Seeds that fail validation are logged and skipped. It returns the number of
// definitions created.
func (s *Service) Seed(ctx context.Context, seeds []Seed) (int, error) {
	created := 0
	for _, seed := range seeds {
		_, err := s.store.GetByName(ctx, seed.Name)
		if err == nil {
			s.logger.Debug("seed already present", zap.String("name", seed.Name))
			continue
		}
		if model.ErrorCode(err) != model.ErrNotFound {
			return created, fmt.Errorf("seed %s: %w", seed.SourceFile, err)
		}

		if err := s.validate(ctx, seed.Name, seed.Steps); err != nil {
			if model.ErrorCode(err) == "" {
				return created, fmt.Errorf("seed %s: %w", seed.SourceFile, err)
			}
			s.logger.Warn("skipping invalid workflow seed",
				zap.String("file", seed.SourceFile),
				zap.Error(err),
			)
			continue
		}

		def, err := s.store.Create(ctx, model.WorkflowDefinition{Name: seed.Name, Steps: seed.Steps})
		if model.ErrorCode(err) == model.ErrConflict {
			// Another replica seeded it first.
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", seed.SourceFile, err)
		}
		created++
		s.metrics.RecordDefinitionSeeded()
		s.logger.Info("workflow definition seeded",
			zap.Int64("workflow_id", def.ID),
			zap.String("name", def.Name),
			zap.String("file", seed.SourceFile),
			zap.String("checksum", seed.Checksum),
		)
	}
	return created, nil
}

func (s *Service) validate(ctx context.Context, name string, steps []model.Step) error {
	fieldErrs, err := s.validator.Validate(ctx, name, steps)
	if err != nil {
		return err
	}
	if len(fieldErrs) > 0 {
		return model.NewValidationError(fieldErrs)
	}
	return nil
}
