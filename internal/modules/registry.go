package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/flow"
)

// ResolutionError reports a node whose module reference cannot be turned
// into a controller.
type ResolutionError struct {
	NodeID string
	Ref    string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("node %s: cannot resolve %q: %v", e.NodeID, e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type registeredSpec struct {
	spec      NodeSpec
	packageID string
	module    string
}

// Registry loads installed module manifests and resolves node references
// to controllers. It owns the resolved-controller cache.
type Registry struct {
	backend Backend

	mu          sync.RWMutex
	modules     map[string]*Manifest // by module name
	packages    map[string]string    // module name -> package id
	specs       map[string]*registeredSpec
	controllers map[string]flow.Controller
}

// NewRegistry creates a registry over the given backend. Call Load before use.
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend:     backend,
		modules:     make(map[string]*Manifest),
		packages:    make(map[string]string),
		specs:       make(map[string]*registeredSpec),
		controllers: make(map[string]flow.Controller),
	}
}

// Load (re)loads every installed package. A package that fails to load is
// reported in the returned error and skipped; the rest stay usable.
func (r *Registry) Load(ctx context.Context) error {
	ids, err := r.backend.ListInstalledModules(ctx)
	if err != nil {
		return fmt.Errorf("list installed modules: %w", err)
	}

	modules := make(map[string]*Manifest)
	packages := make(map[string]string)
	specs := make(map[string]*registeredSpec)
	var errs []error

	for _, id := range ids {
		m, err := r.loadManifest(ctx, id)
		if err == nil {
			if owner, dup := packages[m.Name]; dup {
				err = fmt.Errorf("module name %s already provided by %s", m.Name, owner)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("package %s: %w", id, err))
			events.Emit("error", "module.error", "failed to load module", map[string]interface{}{
				"package": id,
				"error":   err.Error(),
			})
			continue
		}
		modules[m.Name] = m
		packages[m.Name] = id
		for _, spec := range m.Nodes {
			specs[spec.ID] = &registeredSpec{spec: spec, packageID: id, module: m.Name}
		}
		events.Emit("info", "module.loaded", "", map[string]interface{}{
			"package": id,
			"module":  m.Name,
			"version": m.Version,
			"nodes":   len(m.Nodes),
		})
	}

	r.mu.Lock()
	r.modules = modules
	r.packages = packages
	r.specs = specs
	r.controllers = make(map[string]flow.Controller)
	r.mu.Unlock()

	return errors.Join(errs...)
}

// Reload loads a fresh registry over the same backend. The receiver and
// its controller cache are left untouched.
func (r *Registry) Reload(ctx context.Context) (*Registry, error) {
	fresh := NewRegistry(r.backend)
	return fresh, fresh.Load(ctx)
}

func (r *Registry) loadManifest(ctx context.Context, packageID string) (*Manifest, error) {
	m, err := r.backend.LoadManifest(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Normalize()
	return m, nil
}

// Spec returns the normalized node spec behind a "module.node" reference.
func (r *Registry) Spec(ref string) (*NodeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	spec := rs.spec
	return &spec, nil
}

func (r *Registry) lookup(ref string) (*registeredSpec, error) {
	if rs, ok := r.specs[ref]; ok {
		return rs, nil
	}
	module, _, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("%w: malformed reference %q", ErrSpecNotFound, ref)
	}
	if _, ok := r.modules[module]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, ref)
}

// Resolve returns the controller for a reference, loading it on first use.
func (r *Registry) Resolve(ctx context.Context, ref string) (flow.Controller, error) {
	r.mu.RLock()
	if fn, ok := r.controllers[ref]; ok {
		r.mu.RUnlock()
		return fn, nil
	}
	rs, err := r.lookup(ref)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	fn := rs.spec.Func
	if fn == nil {
		if rs.spec.Controller == "" {
			return nil, fmt.Errorf("%w: %s declares no controller", ErrControllerNotFound, ref)
		}
		fn, err = r.backend.LoadController(ctx, rs.packageID, rs.spec.Controller)
		if err != nil {
			return nil, err
		}
		if fn == nil {
			return nil, fmt.Errorf("%w: %s in %s", ErrControllerNotFound, rs.spec.Controller, rs.packageID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.controllers[ref]; ok {
		return cached, nil
	}
	r.controllers[ref] = fn
	return fn, nil
}

// ResolveNode resolves a node's controller, naming the node on failure.
func (r *Registry) ResolveNode(ctx context.Context, node flow.Node) (flow.Controller, error) {
	fn, err := r.Resolve(ctx, node.Module)
	if err != nil {
		return nil, &ResolutionError{NodeID: node.QualifiedID(), Ref: node.Module, Err: err}
	}
	return fn, nil
}

// ModuleData returns the settings of the module owning ref.
func (r *Registry) ModuleData(ref string) map[string]any {
	module, _, _ := strings.Cut(ref, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[module]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(m.Settings))
	for k, v := range m.Settings {
		out[k] = v
	}
	return out
}

// Specs returns every registered node spec sorted by id.
func (r *Registry) Specs() []NodeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeSpec, 0, len(r.specs))
	for _, rs := range r.specs {
		out = append(out, rs.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Modules returns the loaded module names.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
