package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrArchiveNotConfigured is returned when archive operations are attempted
// without archive configuration.
var ErrArchiveNotConfigured = errors.New("segment archive is not configured")

// LocalStore implements the Store interface using local disk.
// It stores files under a configurable directory and does not support
// archiving unless wrapped with S3Store.
type LocalStore struct {
	rootDir string
}

// NewLocalStore creates a new LocalStore instance.
// If rootDir is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if rootDir == "" {
		rootDir = filepath.Join(os.TempDir(), "clipmail")
	}

	if err := os.MkdirAll(rootDir, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalStore{rootDir: rootDir}, nil
}

// RootDir returns the storage root directory path.
func (s *LocalStore) RootDir() string {
	return s.rootDir
}

// SaveTemp saves data to a temporary file and returns the file path.
// The name is used as a base for the filename with a unique suffix.
func (s *LocalStore) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.CreateTemp(s.rootDir, filepath.Base(name)+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// Open reads a stored file and returns a reader.
// The caller is responsible for closing the returned ReadCloser.
func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}

	return f, nil
}

// SessionDir returns the segment output directory for a session,
// creating it if needed.
func (s *LocalStore) SessionDir(sessionID string) (string, error) {
	dir := filepath.Join(s.rootDir, sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes the specified files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStore) Cleanup(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Archive is not supported by LocalStore and returns ErrArchiveNotConfigured.
func (s *LocalStore) Archive(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrArchiveNotConfigured
}

// Verify interface implementation at compile time.
var _ Store = (*LocalStore)(nil)
