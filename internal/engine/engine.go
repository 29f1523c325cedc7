// Package engine ties the flow store, module registry, compiler and route
// binder into deployable routing tables, and runs dispatches against the
// active one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AaronLay10/SentientFlow/internal/compiler"
	"github.com/AaronLay10/SentientFlow/internal/dispatch"
	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/metrics"
	"github.com/AaronLay10/SentientFlow/internal/modules"
	"github.com/AaronLay10/SentientFlow/internal/routes"
)

var (
	ErrNoRoute       = errors.New("no route")
	ErrNotDeployed   = errors.New("no flows deployed")
	ErrDuplicateFlow = errors.New("duplicate flow name")
)

// Publisher sends emitted events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, name string, args []any) error
}

// Options configures an Engine.
type Options struct {
	Store flow.Store
	// Registry names the module backend. Every deploy loads a fresh
	// registry from it; the one given here is never mutated.
	Registry *modules.Registry
	Metrics  *metrics.Collector

	// MaxChains bounds concurrent chains per invocation; zero is unlimited.
	MaxChains int
	// EventTimeout bounds event-style invocations started by Emit.
	EventTimeout time.Duration
	// Trace emits node.executed for every controller call.
	Trace bool
}

// Deployment is one activated routing table together with the module
// registry it was compiled against.
type Deployment struct {
	Table      *routes.Table
	Registry   *modules.Registry
	Flows      []string
	DeployedAt time.Time

	dispatcher *dispatch.Dispatcher
	mux        *http.ServeMux
}

// Dispatch runs the chains of r, a route of this deployment.
func (d *Deployment) Dispatch(ctx context.Context, r *routes.Route, in *flow.Incoming) *dispatch.Outcome {
	return d.dispatcher.Dispatch(ctx, r.Stacks, r.Configs, in)
}

// Engine owns the active deployment.
type Engine struct {
	store        flow.Store
	registry     *modules.Registry
	metrics      *metrics.Collector
	maxChains    int
	trace        bool
	eventTimeout time.Duration

	deployMu sync.Mutex
	active   atomic.Pointer[Deployment]

	pubMu     sync.RWMutex
	publisher Publisher

	inflight sync.WaitGroup
}

// New creates an engine. Nothing is served until Deploy succeeds.
func New(opts Options) *Engine {
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 30 * time.Second
	}
	return &Engine{
		store:        opts.Store,
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		maxChains:    opts.MaxChains,
		trace:        opts.Trace,
		eventTimeout: opts.EventTimeout,
	}
}

// SetPublisher routes Emit to an external bus instead of dispatching
// event routes in process. Pass nil to go back to local delivery.
func (e *Engine) SetPublisher(p Publisher) {
	e.pubMu.Lock()
	e.publisher = p
	e.pubMu.Unlock()
}

// Active returns the current deployment, or nil before the first deploy.
func (e *Engine) Active() *Deployment {
	return e.active.Load()
}

// Ready reports whether a routing table is active.
func (e *Engine) Ready() bool {
	return e.active.Load() != nil
}

// Deploy reloads modules, compiles every stored flow and activates the
// resulting routing table. On failure the previous table stays active.
func (e *Engine) Deploy(ctx context.Context) error {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	d, err := e.build(ctx)
	if err != nil {
		e.metrics.Deployed(false, 0, 0)
		events.Emit("error", "flow.deploy_failed", err.Error(), nil)
		return err
	}

	e.active.Store(d)
	e.metrics.Deployed(true, d.Table.Len(), d.Table.Stacks())
	events.Emit("info", "flow.deployed", "", map[string]interface{}{
		"flows":  d.Flows,
		"routes": d.Table.Len(),
		"stacks": d.Table.Stacks(),
	})
	return nil
}

func (e *Engine) build(ctx context.Context) (*Deployment, error) {
	reg, err := e.registry.Reload(ctx)
	if err != nil {
		// Broken packages are skipped; flows that use them fail to compile.
		log.Printf("module load: %v", err)
	}

	names, err := e.store.ListFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	flows := make([]*flow.Flow, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		f, err := e.store.LoadFlow(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load flow %s: %w", name, err)
		}
		// Node identity is qualified by flow name; two documents with one
		// name would share nodes.
		if prev, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s (in %s and %s)", ErrDuplicateFlow, f.Name, prev, name)
		}
		seen[f.Name] = name
		flows = append(flows, f)
	}

	out, err := compiler.New(reg).CompileFlows(ctx, flows)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	for _, f := range flows {
		events.Emit("info", "flow.compiled", "", map[string]interface{}{
			"flow": f.Name,
		})
	}

	table, err := routes.Build(out, reg)
	if err != nil {
		return nil, fmt.Errorf("bind routes: %w", err)
	}

	d := &Deployment{
		Table:      table,
		Registry:   reg,
		Flows:      make([]string, 0, len(flows)),
		DeployedAt: time.Now().UTC(),
		dispatcher: &dispatch.Dispatcher{
			Resolver:  reg,
			Emitter:   e,
			Metrics:   e.metrics,
			MaxChains: e.maxChains,
			Trace:     e.trace,
		},
	}
	for _, f := range flows {
		d.Flows = append(d.Flows, f.Name)
	}
	d.mux, err = table.Mux(func(r *routes.Route) http.Handler {
		return e.routeHandler(d, r)
	})
	if err != nil {
		return nil, fmt.Errorf("bind routes: %w", err)
	}
	return d, nil
}

// Dispatch runs the route bound to key.
func (e *Engine) Dispatch(ctx context.Context, key string, in *flow.Incoming) (*dispatch.Outcome, error) {
	d := e.active.Load()
	if d == nil {
		return nil, ErrNotDeployed
	}
	r, ok := d.Table.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, key)
	}
	return d.Dispatch(ctx, r, in), nil
}

// DispatchEvent runs the event route of name with positional args.
func (e *Engine) DispatchEvent(ctx context.Context, name string, args []any) (*dispatch.Outcome, error) {
	if args == nil {
		args = []any{}
	}
	return e.Dispatch(ctx, routes.EventKey(name), &flow.Incoming{Event: name, Args: args})
}

// Emit publishes an event. With a publisher attached the event goes to the
// external bus; otherwise the matching event route runs in the background.
func (e *Engine) Emit(ctx context.Context, name string, args ...any) error {
	events.Emit("info", "event.emitted", "", map[string]interface{}{
		"name": name,
		"args": len(args),
	})

	e.pubMu.RLock()
	p := e.publisher
	e.pubMu.RUnlock()
	if p != nil {
		return p.Publish(ctx, name, args)
	}

	d := e.active.Load()
	if d == nil {
		return ErrNotDeployed
	}
	r, ok := d.Table.Event(name)
	if !ok {
		events.Emit("warn", "route.missing", "no event route", map[string]interface{}{
			"route": routes.EventKey(name),
		})
		return nil
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.eventTimeout)
		defer cancel()
		d.Dispatch(ctx, r, &flow.Incoming{Event: name, Args: append([]any{}, args...)})
	}()
	return nil
}

// Wait blocks until background event dispatches started by Emit finish.
func (e *Engine) Wait() {
	e.inflight.Wait()
}
