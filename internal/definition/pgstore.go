package definition

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/recordflow/internal/storage"
	"github.com/pitabwire/recordflow/model"
)

const selectDefinition = `SELECT id, name, steps, created_at, updated_at FROM workflow_definitions`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new definition.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	stepsJSON, err := storage.MarshalSteps(def.Steps)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("marshal steps: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_definitions (name, steps)
		VALUES ($1, $2)
		RETURNING id, name, steps, created_at, updated_at`,
		def.Name, stepsJSON,
	)
	created, err := scanDefinition(row)
	if storage.IsUniqueViolation(err) {
		return model.WorkflowDefinition{}, nameConflict(def.Name)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("insert workflow definition: %w", err)
	}
	return created, nil
}

// Get returns a definition by ID.
func (s *PgStore) Get(ctx context.Context, id int64) (model.WorkflowDefinition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, selectDefinition+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, notFound(id)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	return def, nil
}

// GetByName returns a definition by name.
func (s *PgStore) GetByName(ctx context.Context, name string) (model.WorkflowDefinition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, selectDefinition+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", name),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	return def, nil
}

// Update replaces the name and steps of a definition.
func (s *PgStore) Update(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	stepsJSON, err := storage.MarshalSteps(def.Steps)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("marshal steps: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE workflow_definitions SET name = $1, steps = $2, updated_at = now()
		WHERE id = $3
		RETURNING id, name, steps, created_at, updated_at`,
		def.Name, stepsJSON, def.ID,
	)
	updated, err := scanDefinition(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.WorkflowDefinition{}, notFound(def.ID)
	case storage.IsUniqueViolation(err):
		return model.WorkflowDefinition{}, nameConflict(def.Name)
	case err != nil:
		return model.WorkflowDefinition{}, fmt.Errorf("update workflow definition: %w", err)
	}
	return updated, nil
}

// Delete removes a definition. Its instances go with it through the
// foreign key cascade.
func (s *PgStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// List returns all definitions ordered by ID.
func (s *PgStore) List(ctx context.Context) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, selectDefinition+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	defs := []model.WorkflowDefinition{}
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var stepsJSON []byte
	if err := row.Scan(&def.ID, &def.Name, &stepsJSON, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return model.WorkflowDefinition{}, err
	}
	steps, err := storage.UnmarshalSteps(stepsJSON)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("workflow definition %d: %w", def.ID, err)
	}
	def.Steps = steps
	return def, nil
}
