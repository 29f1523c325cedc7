// Package routes binds compiled stacks to dispatch keys: an HTTP method and
// path, or an event name.
package routes

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/AaronLay10/SentientFlow/internal/compiler"
	"github.com/AaronLay10/SentientFlow/internal/dispatch"
	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/modules"
)

// EventPrefix starts the dispatch key of every event route.
const EventPrefix = "event:"

var ErrRouteConflict = errors.New("conflicting routes")

var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SpecSource looks up the module spec behind a node.
type SpecSource interface {
	Spec(ref string) (*modules.NodeSpec, error)
}

// Route is one dispatch key and the chains it runs.
type Route struct {
	Key string `json:"key"`

	// HTTP routes.
	Method string   `json:"method,omitempty"`
	Path   string   `json:"path,omitempty"`
	Params []string `json:"params,omitempty"`

	// Event routes.
	Event string `json:"event,omitempty"`

	Triggers []string         `json:"triggers"`
	Stacks   []flow.Stack     `json:"-"`
	Configs  dispatch.Configs `json:"-"`
}

// IsEvent reports whether the route is bound to the event bus.
func (r *Route) IsEvent() bool { return r.Event != "" }

// Pattern is the http.ServeMux pattern of an HTTP route.
func (r *Route) Pattern() string {
	path := r.Path
	if path == "/" {
		path = "/{$}"
	}
	return r.Method + " " + path
}

// Table is an immutable routing table built from one compile pass.
type Table struct {
	routes map[string]*Route
	keys   []string
	stacks int
}

// Lookup returns the route bound to key.
func (t *Table) Lookup(key string) (*Route, bool) {
	if t == nil {
		return nil, false
	}
	r, ok := t.routes[key]
	return r, ok
}

// Event returns the route of a named event.
func (t *Table) Event(name string) (*Route, bool) {
	return t.Lookup(EventKey(name))
}

// Routes returns every route ordered by key.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}
	out := make([]*Route, len(t.keys))
	for i, k := range t.keys {
		out[i] = t.routes[k]
	}
	return out
}

// Len is the number of dispatch keys.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

// Stacks is the number of compiled stacks behind the table.
func (t *Table) Stacks() int {
	if t == nil {
		return 0
	}
	return t.stacks
}

// EventKey is the dispatch key of a named event.
func EventKey(name string) string {
	return EventPrefix + name
}

// HTTPKey is the dispatch key of an HTTP route.
func HTTPKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Build groups the compiled stacks by trigger and binds each group to the
// keys its trigger configuration derives. Triggers sharing a key are
// merged into one route.
func Build(out compiler.Output, specs SpecSource) (*Table, error) {
	configs := make(map[string]map[string]any, len(out.Configurations))
	for _, c := range out.Configurations {
		configs[c.QualifiedID()] = c.Configs
	}

	type group struct {
		trigger flow.Node
		stacks  []flow.Stack
	}
	var order []string
	groups := make(map[string]*group)
	for _, s := range out.Stacks {
		t := s.Trigger()
		id := t.QualifiedID()
		g, ok := groups[id]
		if !ok {
			g = &group{trigger: t}
			groups[id] = g
			order = append(order, id)
		}
		g.stacks = append(g.stacks, s)
	}

	table := &Table{routes: make(map[string]*Route), stacks: len(out.Stacks)}
	var errs []error
	for _, id := range order {
		g := groups[id]
		spec, err := specs.Spec(g.trigger.Module)
		if err != nil {
			errs = append(errs, &modules.ResolutionError{NodeID: id, Ref: g.trigger.Module, Err: err})
			continue
		}
		bindings, err := derive(spec, configs[id])
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", id, err))
			continue
		}
		for _, b := range bindings {
			r, ok := table.routes[b.Key]
			if !ok {
				r = b
				r.Configs = dispatch.Configs{}
				table.routes[b.Key] = r
				table.keys = append(table.keys, b.Key)
			}
			r.Triggers = append(r.Triggers, id)
			r.Stacks = append(r.Stacks, g.stacks...)
			for _, s := range g.stacks {
				for _, n := range s {
					if _, done := r.Configs[n.QualifiedID()]; !done {
						r.Configs[n.QualifiedID()] = nodeInputs(specs, n, configs[n.QualifiedID()])
					}
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(table.keys)
	return table, nil
}

// derive computes the routes a trigger binds. Only Key and the transport
// fields are set.
func derive(spec *modules.NodeSpec, cfg map[string]any) ([]*Route, error) {
	value := func(name string) any {
		if v, ok := cfg[name]; ok {
			return v
		}
		if in, ok := spec.Input(name); ok {
			return in.Default
		}
		return nil
	}

	if spec.IsEventTrigger() {
		name, _ := value(modules.InputEvent).(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("event trigger has no event name")
		}
		return []*Route{{Key: EventKey(name), Event: name}}, nil
	}

	endpoint, _ := value(modules.InputEndpoint).(string)
	params, err := stringList(value(modules.InputParams))
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if !paramName.MatchString(p) {
			return nil, fmt.Errorf("invalid parameter name %q", p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", p)
		}
		seen[p] = struct{}{}
	}

	segments := []string{}
	if e := strings.Trim(endpoint, "/"); e != "" {
		segments = append(segments, e)
	}
	for _, p := range params {
		segments = append(segments, "{"+p+"}")
	}
	path := "/" + strings.Join(segments, "/")

	methods, err := stringList(cfg["methods"])
	if err != nil {
		return nil, fmt.Errorf("methods: %w", err)
	}
	if len(methods) == 0 {
		m, _ := value(modules.InputMethod).(string)
		if m == "" {
			m = http.MethodGet
		}
		methods = []string{m}
	}

	var out []*Route
	bound := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !knownMethod(m) {
			return nil, fmt.Errorf("unsupported method %q", m)
		}
		if _, dup := bound[m]; dup {
			continue
		}
		bound[m] = struct{}{}
		out = append(out, &Route{Key: HTTPKey(m, path), Method: m, Path: path, Params: params})
	}
	return out, nil
}

// nodeInputs merges a node's configuration over its spec input defaults.
func nodeInputs(specs SpecSource, n flow.Node, cfg map[string]any) map[string]any {
	out := make(map[string]any)
	if spec, err := specs.Spec(n.Module); err == nil {
		for _, in := range spec.Inputs {
			if in.Default != nil {
				out[in.Name] = in.Default
			}
		}
	}
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func knownMethod(m string) bool {
	for _, k := range modules.DefaultMethods {
		if k == m {
			return true
		}
	}
	return m == http.MethodHead || m == http.MethodOptions
}

// stringList accepts a list of strings or a comma separated string.
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

// Mux builds a ServeMux with one handler per HTTP route. Patterns the mux
// rejects, such as "/users/{id}" next to "/users/{name}", are reported as
// ErrRouteConflict.
func (t *Table) Mux(handler func(*Route) http.Handler) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	for _, r := range t.Routes() {
		if r.IsEvent() {
			events.Emit("info", "route.bound", "", map[string]interface{}{
				"route":    r.Key,
				"triggers": r.Triggers,
				"stacks":   len(r.Stacks),
			})
			continue
		}
		if err := register(mux, r.Pattern(), handler(r)); err != nil {
			events.Emit("error", "route.rejected", err.Error(), map[string]interface{}{
				"route": r.Key,
			})
			return nil, err
		}
		events.Emit("info", "route.bound", "", map[string]interface{}{
			"route":    r.Key,
			"triggers": r.Triggers,
			"stacks":   len(r.Stacks),
		})
	}
	return mux, nil
}

func register(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRouteConflict, r)
		}
	}()
	mux.Handle(pattern, h)
	return nil
}
