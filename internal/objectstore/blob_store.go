package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/tendant/simple-content/pkg/simplecontent"
	"github.com/tendant/simple-content/pkg/simplecontent/storage/fs"
	"github.com/tendant/simple-content/pkg/simplecontent/storage/memory"
)

// ErrInvalidKey indicates a key that would escape the store's root.
var ErrInvalidKey = errors.New("invalid object key")

// BlobStore implements the core.ObjectStore interface on a simple-content blob
// backend. Keys are slash-separated paths relative to the backend root.
type BlobStore struct {
	name    string
	backend simplecontent.BlobStore
}

// NewFileStore stores artifacts below root on the local filesystem.
func NewFileStore(root string) (*BlobStore, error) {
	backend, err := fs.New(fs.Config{BaseDir: root})
	if err != nil {
		return nil, fmt.Errorf("could not open artifact directory %q: %w", root, err)
	}

	return NewBlobStore(root, backend), nil
}

// NewMemoryStore keeps artifacts in process memory.
func NewMemoryStore() *BlobStore {
	return NewBlobStore("memory", memory.New())
}

// NewBlobStore wraps an existing backend. The name only appears in errors.
func NewBlobStore(name string, backend simplecontent.BlobStore) *BlobStore {
	return &BlobStore{name: name, backend: backend}
}

func validKey(key string) error {
	cleaned := path.Clean(key)
	if key == "" || strings.Contains(key, `\`) || path.IsAbs(cleaned) || cleaned == ".." ||
		strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return nil
}

// isNotFound matches the not-found error of the simple-content backends, which
// return a fresh error carrying the same text as simplecontent.ErrObjectNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, simplecontent.ErrObjectNotFound) || err.Error() == simplecontent.ErrObjectNotFound.Error()
}

// Download reads the object stored under key.
func (b *BlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	reader, err := b.backend.Download(ctx, path.Clean(key))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: '%s' in %s", core.ErrObjectNotFound, key, b.name)
		}

		return nil, fmt.Errorf("failed to open object '%s' in %s: %w", key, b.name, err)
	}

	data, readErr := io.ReadAll(reader)
	closeErr := reader.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload stores data under key, replacing any previous object.
func (b *BlobStore) Upload(ctx context.Context, key string, data []byte) error {
	err := validKey(key)
	if err != nil {
		return err
	}

	err = b.backend.Upload(ctx, path.Clean(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to write object '%s' to %s: %w", key, b.name, err)
	}

	return nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	err := validKey(key)
	if err != nil {
		return err
	}

	err = b.backend.Delete(ctx, path.Clean(key))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object '%s' from %s: %w", key, b.name, err)
	}

	return nil
}
