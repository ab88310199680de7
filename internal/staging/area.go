package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const filePerm = 0o640

// Area is the staging subdirectory owned by a single request.
type Area struct {
	id    string
	store *Store

	mu     sync.Mutex
	names  map[string]struct{}
	closed bool
}

// ID returns the area's directory name.
func (a *Area) ID() string {
	return a.id
}

// Dir returns the absolute directory of the area.
func (a *Area) Dir() string {
	return filepath.Join(a.store.root, a.id)
}

// Create opens a new staged file for name. The on-disk name is name itself,
// or name with a "-N" suffix before the extension when name was already used
// in this area.
func (a *Area) Create(name string) (*Writer, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %w: %q", ErrStaging, ErrUnsafeName, name)
	}

	local, err := a.reserve(name)
	if err != nil {
		return nil, err
	}

	rel := filepath.Join(a.id, local)
	f, err := a.store.fs.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: create %q: %w", ErrStaging, name, err)
	}

	return &Writer{
		file: f,
		path: filepath.Join(a.store.root, rel),
	}, nil
}

// Remove deletes a staged file of this area.
func (a *Area) Remove(path string) error {
	if filepath.Dir(path) != a.Dir() {
		return fmt.Errorf("%w: %w: %q does not belong to area %s", ErrStaging, ErrUnsafeName, path, a.id)
	}
	return a.store.Remove(path)
}

// Close removes the area directory with anything still inside it. Calling
// Close more than once is a no-op.
func (a *Area) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	defer a.store.release(a.id)

	if err := util.RemoveAll(a.store.fs, a.id); err != nil {
		return fmt.Errorf("%w: remove area %s: %w", ErrStaging, a.id, err)
	}
	return nil
}

func (a *Area) reserve(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", fmt.Errorf("%w: area %s is closed", ErrStaging, a.id)
	}

	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, taken := a.names[candidate]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
	a.names[candidate] = struct{}{}
	return candidate, nil
}

// Writer is a staged file open for writing.
type Writer struct {
	file billy.File
	path string
}

// Path returns the absolute local path of the staged file.
func (w *Writer) Path() string {
	return w.path
}

// Write appends p to the staged file.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: write %q: %w", ErrStaging, w.path, err)
	}
	return n, nil
}

// Close flushes the file to stable storage and closes it.
func (w *Writer) Close() error {
	if s, ok := w.file.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			_ = w.file.Close()
			return fmt.Errorf("%w: sync %q: %w", ErrStaging, w.path, err)
		}
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close %q: %w", ErrStaging, w.path, err)
	}
	return nil
}
