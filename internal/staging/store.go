// Package staging manages the local disk area where multipart file parts are
// buffered before they are offloaded to object storage.
//
// Every request gets its own Area: a uniquely named subdirectory of the
// staging root that no other request touches. Files inside an area are named
// after the client-supplied filename, with a numeric suffix when the same
// name appears twice in one request.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ErrStaging marks local disk failures while creating, writing or removing
// staged files.
var ErrStaging = errors.New("staging io")

// ErrUnsafeName is returned when a filename could escape its staging area.
var ErrUnsafeName = errors.New("unsafe file name")

const dirPerm = 0o750

// Store owns the staging root directory.
type Store struct {
	root string
	fs   billy.Filesystem
	log  *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewStore creates the staging root if needed and returns a Store bound to it.
// All filesystem access is confined to root.
func NewStore(root string, log *zap.SugaredLogger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root %q: %w", ErrStaging, root, err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: mkdir %q: %w", ErrStaging, abs, err)
	}

	return &Store{
		root:   abs,
		fs:     osfs.New(abs, osfs.WithBoundOS()),
		log:    log.With("component", "staging"),
		active: make(map[string]struct{}),
	}, nil
}

// Root returns the absolute staging root.
func (s *Store) Root() string {
	return s.root
}

// NewArea allocates a request-scoped subdirectory.
func (s *Store) NewArea() (*Area, error) {
	id := uuid.NewString()
	if err := s.fs.MkdirAll(id, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create area: %w", ErrStaging, err)
	}

	s.mu.Lock()
	s.active[id] = struct{}{}
	s.mu.Unlock()

	return &Area{
		id:    id,
		store: s,
		names: make(map[string]struct{}),
	}, nil
}

// Remove deletes a staged file by its absolute local path. A file that is
// already gone is logged and treated as removed.
func (s *Store) Remove(path string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(rel); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warnw("staged file already removed", "path", path)
			return nil
		}
		return fmt.Errorf("%w: remove %q: %w", ErrStaging, path, err)
	}
	return nil
}

// Sweep removes areas whose directory has not been modified for maxAge.
// Areas still held by a live request are skipped. It returns how many areas
// were removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := s.fs.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("%w: read root: %w", ErrStaging, err)
	}

	var result error
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if !entry.IsDir() || entry.ModTime().After(cutoff) {
			continue
		}
		if s.isActive(entry.Name()) {
			continue
		}
		if err := util.RemoveAll(s.fs, entry.Name()); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: remove area %q: %w", ErrStaging, entry.Name(), err))
			continue
		}
		removed++
		s.log.Infow("removed stale staging area", "area", entry.Name(), "modified", entry.ModTime())
	}

	return removed, result
}

func (s *Store) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Store) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// rel converts an absolute staged path into a path relative to the root,
// refusing anything outside of it.
func (s *Store) rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %w: %q is outside the staging root", ErrStaging, ErrUnsafeName, path)
	}
	return rel, nil
}

// validName rejects names that could address anything but a plain file
// directly inside an area.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
