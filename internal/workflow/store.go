package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/iterdrive/pkg/cerr"
)

// Store holds loaded workflow definitions keyed by name. Stores are
// constructed per process; independent stores never interfere.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

func NewStore() *Store {
	return &Store{
		workflows: make(map[string]*Workflow),
	}
}

// AddWorkflow inserts or replaces by name. Collisions are last write
// wins; overwriting a different definition is logged so multiple
// workflow sources declaring the same name are at least visible.
func (s *Store) AddWorkflow(w *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.workflows[w.Name]; ok && !reflect.DeepEqual(prev, w) {
		slog.Warn("workflow redefined, last definition wins", "name", w.Name)
	}
	s.workflows[w.Name] = w
}

// GetWorkflow is an exact, case-sensitive lookup.
func (s *Store) GetWorkflow(name string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[name]
	return w, ok
}

// GetAllWorkflows returns a fresh snapshot, sorted by name. Mutating the
// returned slice does not affect the store.
func (s *Store) GetAllWorkflows() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadWorkflow parses, validates, and registers one definition file.
// Files lacking a version are migrated to the current schema version and
// the migrated definition is persisted back to disk.
func (s *Store) LoadWorkflow(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cerr.NewError(cerr.NotFound, fmt.Sprintf("workflow file %s not found", path), err)
		}
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read workflow file %s: %w", path, err))
	}

	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return cerr.NewError(cerr.Parse, fmt.Sprintf("workflow file %s is not valid YAML", path), err)
	}
	if err := w.Validate(); err != nil {
		return err
	}

	if w.Version == "" {
		w.Version = CurrentVersion
		migrated, err := yaml.Marshal(&w)
		if err != nil {
			return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal migrated workflow: %w", err))
		}
		if err := os.WriteFile(path, migrated, 0o644); err != nil {
			return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to persist migrated workflow %s: %w", path, err))
		}
	}

	s.AddWorkflow(&w)
	return nil
}

// LoadDir loads every *.yaml / *.yml file in dir, in lexicographic
// order. A missing directory is not an error; a broken definition is.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read workflow dir %s: %w", dir, err))
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.LoadWorkflow(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
