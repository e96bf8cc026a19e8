// Package recent keeps the list of recently opened configuration files in
// the user data directory, as a TOML table of project name to file path.
package recent

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

const fileName = "recent_projects.toml"

type Project struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns the store location under the XDG data home, creating
// the parent directory if needed.
func DefaultPath(app string) (string, error) {
	return xdg.DataFile(filepath.Join(app, fileName))
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// List returns the recorded projects sorted by name.
func (s *Store) List() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(entries))
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		path := entries[name]
		_, statErr := os.Stat(path)
		projects = append(projects, Project{Name: name, Path: path, Exists: statErr == nil})
	}
	return projects, nil
}

// Add records path. Re-adding a known path is a no-op.
func (s *Store) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	for _, p := range entries {
		if p == abs {
			return nil
		}
	}
	entries[projectName(abs, entries)] = abs
	return s.write(entries)
}

// Remove forgets every project pointing at path.
func (s *Store) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	maps.DeleteFunc(entries, func(_, p string) bool { return p == abs })
	return s.write(entries)
}

// projectName is the file stem, qualified with the parent directory when the
// stem is already taken.
func projectName(path string, taken map[string]string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if _, ok := taken[name]; !ok {
		return name
	}
	return filepath.Base(filepath.Dir(path)) + "/" + name
}

func (s *Store) read() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recent projects: %w", err)
	}
	if err := toml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse recent projects: %w", err)
	}
	return entries, nil
}

func (s *Store) write(entries map[string]string) error {
	data, err := toml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode recent projects: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write recent projects: %w", err)
	}
	return nil
}
