package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrNoEmitter    = errors.New("no event emitter attached")
)

// Store supplies flow graphs to the engine. It is read-only from the
// engine's point of view.
type Store interface {
	ListFlows(ctx context.Context) ([]string, error)
	LoadFlow(ctx context.Context, name string) (*Flow, error)
}

// Decode parses and validates a flow document. fallbackName is used when
// the document carries no name.
func Decode(data []byte, fallbackName string) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse flow JSON: %w", err)
	}
	if f.Name == "" {
		f.Name = fallbackName
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f.Qualify()
	return &f, nil
}

// Validate checks node identity and kinds.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	seen := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("flow %s: node with empty id", f.Name)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("flow %s: duplicate node id %s", f.Name, n.ID)
		}
		seen[n.ID] = struct{}{}
		if n.Kind != "" && !n.Kind.Valid() {
			return fmt.Errorf("flow %s: node %s has unknown kind %q", f.Name, n.ID, n.Kind)
		}
	}
	configured := make(map[string]struct{}, len(f.Configurations))
	for _, c := range f.Configurations {
		if _, dup := configured[c.NodeID]; dup {
			return fmt.Errorf("flow %s: more than one configuration for node %s", f.Name, c.NodeID)
		}
		configured[c.NodeID] = struct{}{}
	}
	return nil
}

// Qualify stamps the flow name on every node and configuration.
func (f *Flow) Qualify() {
	for i := range f.Nodes {
		f.Nodes[i].Flow = f.Name
	}
	for i := range f.Configurations {
		f.Configurations[i].Flow = f.Name
	}
}

// DirStore loads one flow per *.json file in a directory.
type DirStore struct {
	Dir string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Dir: dir}
}

func (s *DirStore) ListFlows(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirStore) LoadFlow(ctx context.Context, name string) (*Flow, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, name+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, name)
		}
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return Decode(data, name)
}

// MemoryStore keeps flows in memory, mostly for tests and embedding.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*Flow
	order []string
}

// NewMemoryStore returns a store holding the given flows.
func NewMemoryStore(flows ...*Flow) *MemoryStore {
	s := &MemoryStore{flows: make(map[string]*Flow)}
	for _, f := range flows {
		s.Put(f)
	}
	return s
}

// Put adds or replaces a flow.
func (s *MemoryStore) Put(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.Name]; !ok {
		s.order = append(s.order, f.Name)
	}
	f.Qualify()
	s.flows[f.Name] = f
}

func (s *MemoryStore) ListFlows(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStore) LoadFlow(ctx context.Context, name string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, name)
	}
	return f, nil
}
