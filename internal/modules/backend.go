package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AaronLay10/SentientFlow/internal/flow"
)

var (
	ErrModuleNotFound     = errors.New("module not found")
	ErrSpecNotFound       = errors.New("node spec not found")
	ErrControllerNotFound = errors.New("controller not found")
)

// Backend is the store of already-installed module packages.
type Backend interface {
	ListInstalledModules(ctx context.Context) ([]string, error)
	LoadManifest(ctx context.Context, packageID string) (*Manifest, error)
	LoadController(ctx context.Context, packageID, name string) (flow.Controller, error)
}

type installed struct {
	manifest    *Manifest
	controllers map[string]flow.Controller
}

// Catalog is an in-process backend for packages linked into the binary.
type Catalog struct {
	mu       sync.RWMutex
	packages map[string]*installed
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{packages: make(map[string]*installed)}
}

// Install adds or replaces a package. manifest may be nil for packages
// that only contribute controllers to on-disk manifests.
func (c *Catalog) Install(packageID string, manifest *Manifest, controllers map[string]flow.Controller) {
	table := make(map[string]flow.Controller, len(controllers))
	for name, fn := range controllers {
		table[name] = fn
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages[packageID] = &installed{manifest: manifest, controllers: table}
}

func (c *Catalog) ListInstalledModules(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.packages))
	for id, pkg := range c.packages {
		if pkg.manifest != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Catalog) LoadManifest(ctx context.Context, packageID string) (*Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pkg, ok := c.packages[packageID]
	if !ok || pkg.manifest == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, packageID)
	}
	return pkg.manifest.Clone(), nil
}

func (c *Catalog) LoadController(ctx context.Context, packageID, name string) (flow.Controller, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pkg, ok := c.packages[packageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, packageID)
	}
	fn, ok := pkg.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrControllerNotFound, name, packageID)
	}
	return fn, nil
}

// DirBackend reads manifests from <Root>/<package>/manifest.yaml. Go
// controllers cannot be loaded from disk, so controller names resolve
// through Controllers under the same package id.
type DirBackend struct {
	Root        string
	Controllers *Catalog
}

// NewDirBackend creates a backend over an installed-modules directory.
func NewDirBackend(root string, controllers *Catalog) *DirBackend {
	return &DirBackend{Root: root, Controllers: controllers}
}

func (d *DirBackend) ListInstalledModules(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read modules directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(d.manifestPath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *DirBackend) LoadManifest(ctx context.Context, packageID string) (*Manifest, error) {
	m, err := LoadManifestFile(d.manifestPath(packageID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, packageID)
		}
		return nil, err
	}
	return m, nil
}

func (d *DirBackend) LoadController(ctx context.Context, packageID, name string) (flow.Controller, error) {
	if d.Controllers == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrControllerNotFound, name, packageID)
	}
	return d.Controllers.LoadController(ctx, packageID, name)
}

func (d *DirBackend) manifestPath(packageID string) string {
	return filepath.Join(d.Root, packageID, "manifest.yaml")
}

// Backends fans several backends into one. The first backend that lists
// a package owns it.
type Backends []Backend

func (bs Backends) ListInstalledModules(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, b := range bs {
		list, err := b.ListInstalledModules(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (bs Backends) LoadManifest(ctx context.Context, packageID string) (*Manifest, error) {
	b, err := bs.owner(ctx, packageID)
	if err != nil {
		return nil, err
	}
	return b.LoadManifest(ctx, packageID)
}

func (bs Backends) LoadController(ctx context.Context, packageID, name string) (flow.Controller, error) {
	b, err := bs.owner(ctx, packageID)
	if err != nil {
		return nil, err
	}
	return b.LoadController(ctx, packageID, name)
}

func (bs Backends) owner(ctx context.Context, packageID string) (Backend, error) {
	for _, b := range bs {
		list, err := b.ListInstalledModules(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range list {
			if id == packageID {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, packageID)
}
