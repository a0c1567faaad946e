// Package local implements a local filesystem artifact store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem artifact store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes session records and diagnostic artifacts to the local
// filesystem. It implements diag.ArtifactStore.
type Store struct {
	baseDir string
}

// New creates a new local filesystem-backed artifact store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// resolve joins path under baseDir and rejects traversal outside it.
func (s *Store) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(path)))
	base := filepath.Clean(s.baseDir)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// EnsureDir creates dir (and parents) under the store root if absent.
func (s *Store) EnsureDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	full, err := s.resolve(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o750); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// WriteFile writes data to path, creating parent directories as needed.
func (s *Store) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

// AppendLine appends one newline-terminated line to path.
func (s *Store) AppendLine(ctx context.Context, path string, line []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open append %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // write error is checked below

	payload := append(append([]byte(nil), line...), '\n')
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// ReadFile returns the full contents of path.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return data, nil
}

// List returns the names of entries directly under dir. A missing dir is
// treated as empty, not an error.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	full, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
