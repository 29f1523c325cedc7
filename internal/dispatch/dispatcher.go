// Package dispatch runs the compiled chains of one route for every inbound
// request or event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/metrics"
)

// Resolver turns a node into its controller and supplies module settings.
type Resolver interface {
	ResolveNode(ctx context.Context, node flow.Node) (flow.Controller, error)
	ModuleData(ref string) map[string]any
}

// Configs maps a node's qualified id to its configured inputs. A node
// without an entry runs with an empty configuration.
type Configs map[string]map[string]any

// For returns a copy of the node's configuration.
func (c Configs) For(node flow.Node) map[string]any {
	src := c[node.QualifiedID()]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ChainError reports a chain aborted by a failing controller.
type ChainError struct {
	Chain  int
	Flow   string
	NodeID string
	Err    error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %d (%s) failed at node %s: %v", e.Chain, e.Flow, e.NodeID, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Outcome is the aggregated result of one invocation.
type Outcome struct {
	InvocationID string

	// Body is the terminal response map. It is nil for event-style
	// invocations and when no response node contributed.
	Body   map[string]any
	Status int
	Header http.Header

	Chains int
	Errors []error
}

// Failed reports whether every chain of the invocation failed.
func (o *Outcome) Failed() bool {
	return o.Chains > 0 && len(o.Errors) == o.Chains
}

// Err joins the chain errors.
func (o *Outcome) Err() error {
	return errors.Join(o.Errors...)
}

type Dispatcher struct {
	Resolver Resolver
	Emitter  flow.Emitter
	Metrics  *metrics.Collector

	// MaxChains bounds how many chains of one invocation run at once.
	// Zero means no limit.
	MaxChains int

	// Trace emits node.executed for every controller call.
	Trace bool
}

// invocation is the state shared by every chain of one dispatch.
type invocation struct {
	d         *Dispatcher
	id        string
	in        *flow.Incoming
	configs   Configs
	payload   *flow.Payload
	results   *Results
	terminals terminals
	response  response
}

// Dispatch runs chains concurrently against one incoming unit of work and
// waits for all of them.
func (d *Dispatcher) Dispatch(ctx context.Context, chains []flow.Stack, configs Configs, in *flow.Incoming) *Outcome {
	if in == nil {
		in = &flow.Incoming{}
	}
	start := time.Now()
	inv := &invocation{
		d:       d,
		id:      uuid.NewString(),
		in:      in,
		configs: configs,
		payload: in.NewPayload(),
		results: NewResults(),
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	// Chain goroutines never return an error to the group: a failing chain
	// must not cancel its siblings.
	g := new(errgroup.Group)
	if d.MaxChains > 0 {
		g.SetLimit(d.MaxChains)
	}
	launched := 0
	for i, stack := range chains {
		if len(stack) == 0 {
			continue
		}
		launched++
		g.Go(func() error {
			if err := inv.runChain(ctx, i, stack); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				inv.chainFailed(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &Outcome{
		InvocationID: inv.id,
		Chains:       launched,
		Errors:       errs,
	}
	out.Status, out.Header = inv.response.fields()
	if body := inv.terminals.snapshot(); len(body) > 0 && !in.IsEvent() {
		out.Body = body
	}

	style := "request"
	if in.IsEvent() {
		style = "event"
	}
	d.Metrics.ObserveDispatch(style, len(errs) > 0, time.Since(start))
	return out
}

func (inv *invocation) runChain(ctx context.Context, idx int, stack flow.Stack) error {
	d := inv.d
	ec := flow.NewExecutionContext(inv.id, inv.payload, inv.in, d.Emitter)
	next := true
	last := stack.Trigger().QualifiedID()

	for _, node := range stack[1:] {
		id := node.QualifiedID()

		c, reused, werr := inv.claim(ctx, id)
		if werr != nil {
			return &ChainError{Chain: idx, Flow: node.Flow, NodeID: node.ID, Err: werr}
		}
		if reused {
			d.Metrics.NodeVisited(string(node.Kind), "shared")
			next = c.next
			last = id
			continue
		}

		if !next && node.Kind == flow.KindMiddleware {
			v, ok := inv.results.Lookup(ctx, last)
			c.resolve(v, ok, false)
			d.Metrics.NodeVisited(string(node.Kind), "skipped")
			last = id
			continue
		}

		value, record, cont, xerr := inv.execute(ctx, ec, node, last)
		if xerr != nil {
			inv.results.release(id, c)
			d.Metrics.NodeVisited(string(node.Kind), "failed")
			events.Emit("error", "node.failed", xerr.Error(), map[string]interface{}{
				"invocation_id": inv.id,
				"flow":          node.Flow,
				"node_id":       node.ID,
			})
			return &ChainError{Chain: idx, Flow: node.Flow, NodeID: node.ID, Err: xerr}
		}
		c.resolve(value, record, cont)
		d.Metrics.NodeVisited(string(node.Kind), "executed")
		if d.Trace {
			events.Emit("debug", "node.executed", "", map[string]interface{}{
				"invocation_id": inv.id,
				"flow":          node.Flow,
				"node_id":       node.ID,
				"continue":      cont,
			})
		}
		next = cont
		last = id
	}
	return nil
}

// claim returns the node's cell. reused is true when another chain already
// ran the node and c holds its result. A claimer that failed releases the
// cell, in which case the caller tries again.
func (inv *invocation) claim(ctx context.Context, id string) (c *cell, reused bool, err error) {
	for {
		c, mine := inv.results.claim(id)
		if mine {
			return c, false, nil
		}
		if err := c.wait(ctx); err != nil {
			return nil, false, err
		}
		if !c.failed {
			return c, true, nil
		}
	}
}

// execute invokes one node's controller. It reports the value to record for
// the node and whether the controller re-armed the chain.
func (inv *invocation) execute(ctx context.Context, ec *flow.ExecutionContext, node flow.Node, last string) (value any, record, cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller panic: %v", r)
		}
	}()

	ctrl, err := inv.d.Resolver.ResolveNode(ctx, node)
	if err != nil {
		return nil, false, false, err
	}
	ec.Prepare(node, inv.configs.For(node), inv.d.Resolver.ModuleData(node.Module))

	if node.Kind == flow.KindDebug {
		// Without a recorded result the debug node sees a copy of the live
		// payload taken at this point of the chain.
		v, ok := inv.results.Lookup(ctx, last)
		if !ok {
			v = inv.payload.Snapshot()
		}
		ec.SetDebugPayload(v)
		defer ec.ClearDebugPayload()
	}

	res, err := ctrl(ctx, ec)
	if err != nil {
		return nil, false, false, err
	}

	switch node.Kind {
	case flow.KindMiddleware:
		value = res.Value
		if value == nil {
			value = inv.payload.Snapshot()
		}
		record = true
	case flow.KindResponse:
		key := res.Key
		if key == "" {
			key = node.ID
		}
		inv.terminals.store(key, res.Value)
		inv.response.merge(ec.TakeResponse())
	}
	return value, record, ec.Continue(), nil
}

func (inv *invocation) chainFailed(err error) {
	var ce *ChainError
	if !errors.As(err, &ce) {
		return
	}
	inv.d.Metrics.ChainFailed(ce.Flow)
	events.Emit("error", "chain.failed", ce.Err.Error(), map[string]interface{}{
		"invocation_id": inv.id,
		"flow":          ce.Flow,
		"node_id":       ce.NodeID,
		"chain":         ce.Chain,
		"route":         routeOf(inv.in),
	})
}

func routeOf(in *flow.Incoming) string {
	if in.IsEvent() {
		return "event:" + in.Event
	}
	return strings.TrimSpace(in.Method + " " + in.Path)
}
