package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/datahive/personal-server/pkg/errdefs"
)

var bucketObjects = []byte("objects")

// LocalBackend stores artifact objects in a bbolt file for deployments
// without object storage.
type LocalBackend struct {
	db *bolt.DB
}

// NewLocalBackend opens (or creates) the artifact database under dataDir
func NewLocalBackend(dataDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "artifacts.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &LocalBackend{db: db}, nil
}

// Put stores an object
func (b *LocalBackend) Put(_ context.Context, key string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(key), data)
	})
}

// Get retrieves an object
func (b *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(key))
		if v == nil {
			return errdefs.NotFound("object %s not found", key)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes an object
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(key))
	})
}

// Close closes the database
func (b *LocalBackend) Close() error {
	return b.db.Close()
}
