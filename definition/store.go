package definition

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semflow/fault"
)

// ChangeKind describes what happened to a definition.
type ChangeKind string

const (
	ChangeUpdated ChangeKind = "updated"
	ChangeGone    ChangeKind = "gone"
)

// Change notifies observers of a definition update or removal.
type Change struct {
	Kind         ChangeKind
	PlatformID   string
	WorkflowType string
}

// Store holds workflow definitions loaded from a directory of YAML files, one
// definition per file. It implements Source and supports hot reload.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	defs     map[string]*Definition
	files    map[string]string // file path → definition key
	onChange []func(Change)
}

// NewStore creates a store over dir. Call Load before first use.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*Definition),
		files:  make(map[string]string),
	}
}

// OnChange registers an observer for definition updates and removals.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Load scans the directory and parses every definition file. Invalid files
// are logged and skipped.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read definitions dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := s.loadFile(path); err != nil {
			s.logger.Warn("skipping invalid definition file", "path", path, "error", err)
		}
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (s *Store) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fault.Wrap(fault.KindValidation, "parse "+path, err)
	}
	if err := Validate(&def); err != nil {
		return err
	}

	key := cacheKey(def.PlatformID, def.WorkflowType)
	s.mu.Lock()
	s.defs[key] = &def
	s.files[path] = key
	observers := append(([]func(Change))(nil), s.onChange...)
	s.mu.Unlock()

	notify(observers, Change{Kind: ChangeUpdated, PlatformID: def.PlatformID, WorkflowType: def.WorkflowType})
	return nil
}

func (s *Store) removeFile(path string) {
	s.mu.Lock()
	key, ok := s.files[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.files, path)
	def := s.defs[key]
	delete(s.defs, key)
	observers := append(([]func(Change))(nil), s.onChange...)
	s.mu.Unlock()

	if def != nil {
		notify(observers, Change{Kind: ChangeGone, PlatformID: def.PlatformID, WorkflowType: def.WorkflowType})
	}
}

func notify(observers []func(Change), c Change) {
	for _, fn := range observers {
		fn(c)
	}
}

// Lookup implements Source.
func (s *Store) Lookup(platformID, workflowType string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[cacheKey(platformID, workflowType)]
	return def, ok
}

// List returns every loaded definition.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	return out
}

// Put validates def, stores it, and persists it to the directory.
func (s *Store) Put(def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	path := s.pathFor(def.PlatformID, def.WorkflowType)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create definitions dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}

	key := cacheKey(def.PlatformID, def.WorkflowType)
	s.mu.Lock()
	s.defs[key] = def
	s.files[path] = key
	observers := append(([]func(Change))(nil), s.onChange...)
	s.mu.Unlock()

	notify(observers, Change{Kind: ChangeUpdated, PlatformID: def.PlatformID, WorkflowType: def.WorkflowType})
	return nil
}

// Delete removes a definition and its file.
func (s *Store) Delete(platformID, workflowType string) error {
	path := s.pathFor(platformID, workflowType)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	key := cacheKey(platformID, workflowType)
	s.mu.Lock()
	_, existed := s.defs[key]
	delete(s.defs, key)
	delete(s.files, path)
	observers := append(([]func(Change))(nil), s.onChange...)
	s.mu.Unlock()

	if existed {
		notify(observers, Change{Kind: ChangeGone, PlatformID: platformID, WorkflowType: workflowType})
	}
	return nil
}

func (s *Store) pathFor(platformID, workflowType string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s__%s.yaml", platformID, workflowType))
}

// Watch reloads definitions when files in the directory change, until ctx is
// cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isYAML(event.Name) {
					continue
				}
				switch {
				case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
					s.removeFile(event.Name)
				case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
					if err := s.loadFile(event.Name); err != nil {
						s.logger.Warn("ignoring invalid definition update", "path", event.Name, "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("definition watcher error", "error", err)
			}
		}
	}()
	return nil
}
