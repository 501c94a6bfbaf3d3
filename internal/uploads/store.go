// Package uploads stores uploaded files in a blob store and keeps their
// metadata in a media store.
package uploads

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/recordflow/model"
)

// BlobStore holds object bodies by key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// MediaStore persists media metadata records.
type MediaStore interface {
	Create(ctx context.Context, media model.MediaFile) (model.MediaFile, error)
	Get(ctx context.Context, id int64) (model.MediaFile, error)
	Delete(ctx context.Context, id int64) error
}

// MemoryMediaStore is an in-memory MediaStore.
type MemoryMediaStore struct {
	mu     sync.RWMutex
	nextID int64
	media  map[int64]model.MediaFile
}

// NewMemoryMediaStore creates an empty in-memory media store.
func NewMemoryMediaStore() *MemoryMediaStore {
	return &MemoryMediaStore{media: make(map[int64]model.MediaFile)}
}

func (s *MemoryMediaStore) Create(ctx context.Context, media model.MediaFile) (model.MediaFile, error) {
	if err := ctx.Err(); err != nil {
		return model.MediaFile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.media {
		if m.ObjectKey == media.ObjectKey {
			return model.MediaFile{}, model.NewConflictError(fmt.Sprintf("object %q is already recorded", media.ObjectKey))
		}
	}
	s.nextID++
	media.ID = s.nextID
	media.CreatedAt = time.Now().UTC()
	s.media[media.ID] = media
	return media, nil
}

func (s *MemoryMediaStore) Get(ctx context.Context, id int64) (model.MediaFile, error) {
	if err := ctx.Err(); err != nil {
		return model.MediaFile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.media[id]
	if !ok {
		return model.MediaFile{}, mediaNotFound(id)
	}
	return m, nil
}

func (s *MemoryMediaStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.media[id]; !ok {
		return mediaNotFound(id)
	}
	delete(s.media, id)
	return nil
}

// List returns all records ordered by ID. For testing.
func (s *MemoryMediaStore) List() []model.MediaFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MediaFile, 0, len(s.media))
	for _, m := range s.media {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func mediaNotFound(id int64) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("media file %d not found", id))
}
