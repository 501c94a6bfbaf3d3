package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/recordflow/internal/storage"
	"github.com/pitabwire/recordflow/model"
)

const instanceColumns = `id, workflow_id, user_id, entity_type, entity_id,
	current_step, state, logs, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new instance. The unique constraint on the instance key
// turns a lost insert race into CONFLICT.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	logsJSON, err := storage.MarshalLogs(inst.Logs)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal logs: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_instances (
			workflow_id, user_id, entity_type, entity_id,
			current_step, state, logs, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING `+instanceColumns,
		inst.WorkflowID, inst.UserID, inst.EntityType, inst.EntityID,
		inst.CurrentStep, inst.State, logsJSON,
	)
	created, err := scanInstance(row)
	if storage.IsUniqueViolation(err) {
		return model.WorkflowInstance{}, keyConflict(inst.Key())
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("insert workflow instance: %w", err)
	}
	return created, nil
}

// Get returns an instance by ID.
func (s *PgStore) Get(ctx context.Context, id int64) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// FindByKey returns the instance with the given key.
func (s *PgStore) FindByKey(ctx context.Context, key model.InstanceKey) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE workflow_id = $1 AND entity_type = $2 AND entity_id = $3 AND user_id = $4`,
		key.WorkflowID, key.EntityType, key.EntityID, key.UserID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no instance of workflow %d for %s %d", key.WorkflowID, key.EntityType, key.EntityID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance by key: %w", err)
	}
	return inst, nil
}

// Update locks the row, checks the version and writes the new state in one
// transaction.
func (s *PgStore) Update(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	logsJSON, err := storage.MarshalLogs(inst.Logs)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal logs: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx,
		`SELECT version FROM workflow_instances WHERE id = $1 FOR UPDATE`, inst.ID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(inst.ID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("lock workflow instance: %w", err)
	}
	if current != inst.Version {
		return model.WorkflowInstance{}, versionConflict(inst.ID, inst.Version)
	}

	updated, err := scanInstance(tx.QueryRow(ctx, `
		UPDATE workflow_instances SET
			entity_type = $1,
			entity_id = $2,
			current_step = $3,
			state = $4,
			logs = $5,
			version = version + 1,
			updated_at = now()
		WHERE id = $6 AND version = $7
		RETURNING `+instanceColumns,
		inst.EntityType, inst.EntityID, inst.CurrentStep, inst.State, logsJSON,
		inst.ID, inst.Version,
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.WorkflowInstance{}, versionConflict(inst.ID, inst.Version)
	case storage.IsUniqueViolation(err):
		return model.WorkflowInstance{}, keyConflict(inst.Key())
	case err != nil:
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("commit workflow instance: %w", err)
	}
	return updated, nil
}

// Delete removes an instance.
func (s *PgStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return instanceNotFound(id)
	}
	return nil
}

// DeleteByWorkflow removes the instances of a definition. Normally the
// foreign key cascade already did this.
func (s *PgStore) DeleteByWorkflow(ctx context.Context, workflowID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_instances WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("delete workflow instances: %w", err)
	}
	return nil
}

// ListByWorkflow returns a definition's instances ordered by ID.
func (s *PgStore) ListByWorkflow(ctx context.Context, workflowID int64) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE workflow_id = $1
		ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var logsJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.UserID, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStep, &inst.State, &logsJSON, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	logs, err := storage.UnmarshalLogs(logsJSON)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("workflow instance %d: %w", inst.ID, err)
	}
	inst.Logs = logs
	return inst, nil
}
