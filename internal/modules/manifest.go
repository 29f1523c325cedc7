package modules

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AaronLay10/SentientFlow/internal/flow"
)

// Trigger transports a trigger spec can bind to.
const (
	TriggerHTTP  = "http"
	TriggerEvent = "event"
)

// Inputs the binder reads from trigger configurations.
const (
	InputEndpoint = "endpoint"
	InputMethod   = "method"
	InputParams   = "params"
	InputEvent    = "event"
)

// DefaultMethods is the method set given to HTTP triggers that declare no route.
var DefaultMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// Manifest is the node catalogue of one installed module package.
type Manifest struct {
	Name     string         `yaml:"name" json:"name"`
	Version  string         `yaml:"version" json:"version"`
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	Nodes    []NodeSpec     `yaml:"nodes" json:"nodes"`
}

// NodeSpec describes one node type offered by a module.
type NodeSpec struct {
	// ID is the namespaced "module.node" id assigned by the registry.
	ID         string    `yaml:"-" json:"id"`
	Name       string    `yaml:"name" json:"name"`
	Kind       flow.Kind `yaml:"kind" json:"kind"`
	Trigger    string    `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Inputs     []Input   `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Controller string    `yaml:"controller,omitempty" json:"controller,omitempty"`

	// Func is a controller embedded in the spec; it wins over Controller.
	Func flow.Controller `yaml:"-" json:"-"`
}

// Input is one user-configurable parameter of a node spec.
type Input struct {
	Name    string   `yaml:"name" json:"name"`
	Type    string   `yaml:"type,omitempty" json:"type,omitempty"`
	Default any      `yaml:"default,omitempty" json:"default,omitempty"`
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Input returns the named input declared by the spec.
func (s *NodeSpec) Input(name string) (Input, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// IsEventTrigger reports whether the spec is bound to the event bus.
func (s *NodeSpec) IsEventTrigger() bool {
	return s.Kind == flow.KindTrigger && s.Trigger == TriggerEvent
}

// Validate checks the manifest before it is registered.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if strings.Contains(m.Name, ".") {
		return fmt.Errorf("manifest: name %q must not contain '.'", m.Name)
	}
	seen := make(map[string]struct{}, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Name == "" {
			return fmt.Errorf("manifest %s: node spec with empty name", m.Name)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("manifest %s: duplicate node spec %s", m.Name, n.Name)
		}
		seen[n.Name] = struct{}{}
		if !n.Kind.Valid() {
			return fmt.Errorf("manifest %s: node spec %s has unknown kind %q", m.Name, n.Name, n.Kind)
		}
		if n.Trigger != "" && n.Trigger != TriggerHTTP && n.Trigger != TriggerEvent {
			return fmt.Errorf("manifest %s: node spec %s has unknown trigger %q", m.Name, n.Name, n.Trigger)
		}
	}
	return nil
}

// Normalize fills in the defaults every loaded module gets: HTTP triggers
// without a route input receive an empty endpoint and the default method
// set, and middleware without a controller becomes a pass-through.
func (m *Manifest) Normalize() {
	for i := range m.Nodes {
		spec := &m.Nodes[i]
		spec.ID = m.Name + "." + spec.Name
		switch spec.Kind {
		case flow.KindTrigger:
			if spec.Trigger == "" {
				spec.Trigger = TriggerHTTP
			}
			if spec.Trigger != TriggerHTTP {
				continue
			}
			if _, ok := spec.Input(InputEndpoint); !ok {
				spec.Inputs = append(spec.Inputs, Input{Name: InputEndpoint, Type: "string", Default: ""})
				if _, ok := spec.Input(InputMethod); !ok {
					spec.Inputs = append(spec.Inputs, Input{
						Name:    InputMethod,
						Type:    "select",
						Default: DefaultMethods[0],
						Options: append([]string(nil), DefaultMethods...),
					})
				}
			}
		case flow.KindMiddleware:
			if spec.Func == nil && spec.Controller == "" {
				spec.Func = Passthrough
			}
		}
	}
}

// Passthrough continues the chain without touching the payload.
func Passthrough(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	ec.Next()
	return flow.Result{}, nil
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// LoadManifestFile reads a YAML manifest from disk.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Clone returns a copy whose node slice can be normalized independently.
func (m *Manifest) Clone() *Manifest {
	cpy := *m
	cpy.Nodes = make([]NodeSpec, len(m.Nodes))
	for i, n := range m.Nodes {
		n.Inputs = append([]Input(nil), n.Inputs...)
		cpy.Nodes[i] = n
	}
	return &cpy
}
