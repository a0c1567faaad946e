package diag

import (
	"context"
	"time"
)

// Clock abstracts time.Now so tests can control session timing.
type Clock interface {
	Now() time.Time
}

// ArtifactStore is the durable storage seam for session records, the
// summary log, and per-task diagnostic artifacts. Paths are relative to
// the store root and use forward slashes.
type ArtifactStore interface {
	// EnsureDir creates the directory (and parents) if absent.
	EnsureDir(ctx context.Context, dir string) error
	// WriteFile writes data to path, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error
	// AppendLine appends one newline-terminated line to path.
	AppendLine(ctx context.Context, path string, line []byte) error
	// ReadFile returns the full contents of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// List returns the names of entries directly under dir.
	List(ctx context.Context, dir string) ([]string, error)
}
