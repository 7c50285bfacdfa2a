package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tendant/content-history/pkg/contenthistory"
)

// Backend is a filesystem implementation of the contenthistory.SnapshotArchive
// interface. Archive keys map to paths under the base directory.
type Backend struct {
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing archive records
}

// New creates a new filesystem archive backend
func New(config Config) (contenthistory.SnapshotArchive, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{baseDir: config.BaseDir}, nil
}

// Store writes an archive record, overwriting any previous record at the key.
func (b *Backend) Store(ctx context.Context, key string, data []byte) error {
	filePath := filepath.Join(b.baseDir, key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive record: %w", err)
	}
	return nil
}

// Load retrieves an archive record by key.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	filePath := filepath.Join(b.baseDir, key)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contenthistory.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to read archive record: %w", err)
	}
	return data, nil
}

// Delete removes an archive record. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath := filepath.Join(b.baseDir, key)

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive record: %w", err)
	}
	return nil
}
