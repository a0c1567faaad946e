// Package memory stores session artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
)

// Store keeps artifacts in process memory. It implements
// diag.ArtifactStore and is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool

	// FailWrites makes every mutating call return an error, for
	// exercising persistence-failure paths.
	FailWrites bool
}

// New creates a new in-memory artifact store.
func New() *Store {
	return &Store{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// EnsureDir records the directory as present.
func (s *Store) EnsureDir(_ context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("ensure dir %s: store unavailable", dir)
	}
	s.dirs[dir] = true
	return nil
}

// WriteFile stores a copy of data under path.
func (s *Store) WriteFile(_ context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("write %s: store unavailable", p)
	}
	s.files[p] = append([]byte(nil), data...)
	s.dirs[path.Dir(p)] = true
	return nil
}

// AppendLine appends one newline-terminated line to path.
func (s *Store) AppendLine(_ context.Context, p string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("append %s: store unavailable", p)
	}
	buf := append(append([]byte(nil), s.files[p]...), line...)
	s.files[p] = append(buf, '\n')
	s.dirs[path.Dir(p)] = true
	return nil
}

// ReadFile returns a copy of the stored contents of path.
func (s *Store) ReadFile(_ context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[p]
	if !ok {
		return nil, fmt.Errorf("read %s: not found", p)
	}
	return append([]byte(nil), data...), nil
}

// List returns the names of entries directly under dir.
func (s *Store) List(_ context.Context, dir string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	names := make([]string, 0)
	prefix := strings.TrimSuffix(dir, "/") + "/"
	collect := func(p string) {
		if !strings.HasPrefix(p, prefix) {
			return
		}
		rest := strings.TrimPrefix(p, prefix)
		name := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			name = rest[:i]
		}
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for p := range s.files {
		collect(p)
	}
	for d := range s.dirs {
		collect(d + "/")
	}
	return names, nil
}

// FileCount returns the number of stored files.
func (s *Store) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
