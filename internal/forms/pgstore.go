package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/recordflow/internal/storage"
	"github.com/pitabwire/recordflow/model"
)

const (
	selectForm  = `SELECT id, name, description, created_by, fields, created_at FROM form_definitions`
	selectEntry = `SELECT id, form_id, user_id, data, status, created_at, updated_at FROM form_entries`
)

// PgStore is a PostgreSQL-backed Store. Form fields and entry data are
// stored as JSONB.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL forms store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateForm(ctx context.Context, form model.FormDefinition) (model.FormDefinition, error) {
	fieldsJSON, err := json.Marshal(numberFields(form.Fields))
	if err != nil {
		return model.FormDefinition{}, fmt.Errorf("marshal form fields: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO form_definitions (name, description, created_by, fields)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, description, created_by, fields, created_at`,
		form.Name, form.Description, form.CreatedBy, fieldsJSON,
	)
	created, err := scanForm(row)
	if storage.IsUniqueViolation(err) {
		return model.FormDefinition{}, formNameConflict(form.Name)
	}
	if err != nil {
		return model.FormDefinition{}, fmt.Errorf("insert form: %w", err)
	}
	return created, nil
}

func (s *PgStore) GetForm(ctx context.Context, id int64) (model.FormDefinition, error) {
	form, err := scanForm(s.pool.QueryRow(ctx, selectForm+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FormDefinition{}, formNotFound(id)
	}
	if err != nil {
		return model.FormDefinition{}, fmt.Errorf("query form: %w", err)
	}
	return form, nil
}

func (s *PgStore) UpdateForm(ctx context.Context, form model.FormDefinition) (model.FormDefinition, error) {
	fieldsJSON, err := json.Marshal(numberFields(form.Fields))
	if err != nil {
		return model.FormDefinition{}, fmt.Errorf("marshal form fields: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE form_definitions SET name = $1, description = $2, fields = $3
		WHERE id = $4
		RETURNING id, name, description, created_by, fields, created_at`,
		form.Name, form.Description, fieldsJSON, form.ID,
	)
	updated, err := scanForm(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.FormDefinition{}, formNotFound(form.ID)
	case storage.IsUniqueViolation(err):
		return model.FormDefinition{}, formNameConflict(form.Name)
	case err != nil:
		return model.FormDefinition{}, fmt.Errorf("update form: %w", err)
	}
	return updated, nil
}

func (s *PgStore) DeleteForm(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM form_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return formNotFound(id)
	}
	return nil
}

func (s *PgStore) ListForms(ctx context.Context) ([]model.FormDefinition, error) {
	rows, err := s.pool.Query(ctx, selectForm+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query forms: %w", err)
	}
	defer rows.Close()

	forms := []model.FormDefinition{}
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, form)
	}
	return forms, rows.Err()
}

func (s *PgStore) FormExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM form_definitions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query form existence: %w", err)
	}
	return exists, nil
}

func (s *PgStore) CreateEntry(ctx context.Context, entry model.FormEntry) (model.FormEntry, error) {
	dataJSON, err := marshalData(entry.Data)
	if err != nil {
		return model.FormEntry{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO form_entries (form_id, user_id, data, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, form_id, user_id, data, status, created_at, updated_at`,
		entry.FormID, entry.UserID, dataJSON, entry.Status,
	)
	created, err := scanEntry(row)
	if storage.IsForeignKeyViolation(err) {
		return model.FormEntry{}, formNotFound(entry.FormID)
	}
	if err != nil {
		return model.FormEntry{}, fmt.Errorf("insert form entry: %w", err)
	}
	return created, nil
}

func (s *PgStore) GetEntry(ctx context.Context, id int64) (model.FormEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, selectEntry+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FormEntry{}, entryNotFound(id)
	}
	if err != nil {
		return model.FormEntry{}, fmt.Errorf("query form entry: %w", err)
	}
	return entry, nil
}

func (s *PgStore) UpdateEntry(ctx context.Context, entry model.FormEntry) (model.FormEntry, error) {
	dataJSON, err := marshalData(entry.Data)
	if err != nil {
		return model.FormEntry{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE form_entries SET data = $1, status = $2, updated_at = now()
		WHERE id = $3
		RETURNING id, form_id, user_id, data, status, created_at, updated_at`,
		dataJSON, entry.Status, entry.ID,
	)
	updated, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FormEntry{}, entryNotFound(entry.ID)
	}
	if err != nil {
		return model.FormEntry{}, fmt.Errorf("update form entry: %w", err)
	}
	return updated, nil
}

func (s *PgStore) DeleteEntry(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM form_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete form entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entryNotFound(id)
	}
	return nil
}

func (s *PgStore) ListEntries(ctx context.Context, formID, userID int64) ([]model.FormEntry, error) {
	rows, err := s.pool.Query(ctx,
		selectEntry+` WHERE form_id = $1 AND ($2::bigint = 0 OR user_id = $2) ORDER BY id`,
		formID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query form entries: %w", err)
	}
	defer rows.Close()

	entries := []model.FormEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PgStore) CountEntries(ctx context.Context, formID, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM form_entries WHERE form_id = $1 AND ($2::bigint = 0 OR user_id = $2)`,
		formID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count form entries: %w", err)
	}
	return n, nil
}

func (s *PgStore) SubmittedFormIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT form_id FROM form_entries WHERE user_id = $1 ORDER BY form_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query submitted forms: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan submitted forms: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func scanForm(row pgx.Row) (model.FormDefinition, error) {
	var form model.FormDefinition
	var fieldsJSON []byte
	if err := row.Scan(&form.ID, &form.Name, &form.Description, &form.CreatedBy, &fieldsJSON, &form.CreatedAt); err != nil {
		return model.FormDefinition{}, err
	}
	form.Fields = []model.FormField{}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &form.Fields); err != nil {
			return model.FormDefinition{}, fmt.Errorf("form %d fields: %w", form.ID, err)
		}
	}
	return form, nil
}

func scanEntry(row pgx.Row) (model.FormEntry, error) {
	var entry model.FormEntry
	var dataJSON []byte
	if err := row.Scan(&entry.ID, &entry.FormID, &entry.UserID, &dataJSON, &entry.Status, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return model.FormEntry{}, err
	}
	entry.Data = map[string]any{}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &entry.Data); err != nil {
			return model.FormEntry{}, fmt.Errorf("form entry %d data: %w", entry.ID, err)
		}
	}
	return entry, nil
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal form entry data: %w", err)
	}
	return b, nil
}
