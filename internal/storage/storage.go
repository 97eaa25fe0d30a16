// Package storage provides byte storage for uploaded assets and produced
// segments. It defines the Store interface (port) with a local-disk
// implementation, and an optional S3-backed archive for delivered segments.
package storage

import (
	"context"
	"io"
)

// Store defines the interface for pipeline file storage.
// The Segmenter is the single writer per session directory; Batcher and
// Dispatcher only read through the returned references.
type Store interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// Open reads a stored file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// SessionDir returns a dedicated directory for one session's segment
	// output, creating it if needed.
	SessionDir(sessionID string) (string, error)

	// Cleanup removes the specified files.
	// It continues cleanup even if some files fail to delete.
	Cleanup(ctx context.Context, paths []string) error

	// Archive copies data to the configured archive bucket and returns the
	// object URL. Returns ErrArchiveNotConfigured if no archive is set up.
	Archive(ctx context.Context, key string, data io.Reader) (url string, err error)
}
