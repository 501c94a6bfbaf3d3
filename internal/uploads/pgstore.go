package uploads

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/recordflow/internal/storage"
	"github.com/pitabwire/recordflow/model"
)

// PgMediaStore is a PostgreSQL-backed MediaStore.
type PgMediaStore struct {
	pool *pgxpool.Pool
}

// NewPgMediaStore creates a new PostgreSQL media store.
func NewPgMediaStore(pool *pgxpool.Pool) *PgMediaStore {
	return &PgMediaStore{pool: pool}
}

func (s *PgMediaStore) Create(ctx context.Context, media model.MediaFile) (model.MediaFile, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO media_files (filename, content_type, url, object_key, size, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, filename, content_type, url, object_key, size, uploaded_by, created_at`,
		media.Filename, media.ContentType, media.URL, media.ObjectKey, media.Size, media.UploadedBy,
	)
	created, err := scanMedia(row)
	if storage.IsUniqueViolation(err) {
		return model.MediaFile{}, model.NewConflictError(fmt.Sprintf("object %q is already recorded", media.ObjectKey))
	}
	if err != nil {
		return model.MediaFile{}, fmt.Errorf("insert media file: %w", err)
	}
	return created, nil
}

func (s *PgMediaStore) Get(ctx context.Context, id int64) (model.MediaFile, error) {
	m, err := scanMedia(s.pool.QueryRow(ctx, `
		SELECT id, filename, content_type, url, object_key, size, uploaded_by, created_at
		FROM media_files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MediaFile{}, mediaNotFound(id)
	}
	if err != nil {
		return model.MediaFile{}, fmt.Errorf("query media file: %w", err)
	}
	return m, nil
}

func (s *PgMediaStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM media_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete media file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mediaNotFound(id)
	}
	return nil
}

func scanMedia(row pgx.Row) (model.MediaFile, error) {
	var m model.MediaFile
	err := row.Scan(&m.ID, &m.Filename, &m.ContentType, &m.URL, &m.ObjectKey, &m.Size, &m.UploadedBy, &m.CreatedAt)
	return m, err
}
