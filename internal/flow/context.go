package flow

import (
	"context"
	"net/http"
	"strconv"
	"sync"
)

// Controller is the unit of work behind a node. A middleware controller
// that returns an empty Result has the payload snapshot recorded instead.
type Controller func(ctx context.Context, ec *ExecutionContext) (Result, error)

// Result is what a controller hands back to the dispatcher. Response
// controllers set Key to name their contribution to the response body.
type Result struct {
	Key   string
	Value any
}

// Emitter publishes named events with positional arguments.
type Emitter interface {
	Emit(ctx context.Context, name string, args ...any) error
}

// Incoming is one inbound unit of work as supplied by the transport or
// the event bus.
type Incoming struct {
	Method string
	Path   string
	Params map[string]string
	Query  map[string][]string
	Header http.Header
	Body   any

	// Event and Args are set for event-style invocations.
	Event string
	Args  []any
}

// IsEvent reports whether the invocation came from the event bus rather
// than a request that expects a response body.
func (in *Incoming) IsEvent() bool {
	return in.Event != "" || in.Args != nil
}

// NewPayload builds the shared payload for one invocation. Event arguments
// are mapped to msg, msg1, msg2, ...
func (in *Incoming) NewPayload() *Payload {
	data := make(map[string]any)
	if in.IsEvent() {
		for i, arg := range in.Args {
			key := "msg"
			if i > 0 {
				key += strconv.Itoa(i)
			}
			data[key] = arg
		}
		return &Payload{data: data}
	}
	switch body := in.Body.(type) {
	case nil:
	case map[string]any:
		for k, v := range body {
			data[k] = v
		}
	default:
		data["body"] = body
	}
	return &Payload{data: data}
}

// Payload is the key/value bag shared by reference between every chain of
// one invocation.
type Payload struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewPayload returns a payload seeded with a copy of m.
func NewPayload(m map[string]any) *Payload {
	data := make(map[string]any, len(m))
	for k, v := range m {
		data[k] = v
	}
	return &Payload{data: data}
}

func (p *Payload) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key]
	return v, ok
}

func (p *Payload) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
}

func (p *Payload) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
}

// Snapshot returns a shallow copy of the payload contents.
func (p *Payload) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

// ExecutionContext is the state threaded through one chain run. Inputs and
// ModuleData are replaced before every controller call.
type ExecutionContext struct {
	InvocationID string
	Payload      *Payload
	Inputs       map[string]any
	ModuleData   map[string]any
	Request      *Incoming

	node     Node
	next     bool
	debug    any
	hasDebug bool
	status   int
	header   http.Header
	emitter  Emitter
}

// NewExecutionContext creates the context for one chain.
func NewExecutionContext(invocationID string, payload *Payload, req *Incoming, emitter Emitter) *ExecutionContext {
	return &ExecutionContext{
		InvocationID: invocationID,
		Payload:      payload,
		Request:      req,
		Inputs:       map[string]any{},
		ModuleData:   map[string]any{},
		emitter:      emitter,
	}
}

// Prepare points the context at the next node to run and clears the
// continue flag and any response fields.
func (ec *ExecutionContext) Prepare(node Node, inputs, moduleData map[string]any) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if moduleData == nil {
		moduleData = map[string]any{}
	}
	ec.node = node
	ec.Inputs = inputs
	ec.ModuleData = moduleData
	ec.next = false
	ec.status = 0
	ec.header = nil
}

// Node returns the node currently being executed.
func (ec *ExecutionContext) Node() Node { return ec.node }

// Next re-arms the chain's continue flag so the following middleware runs.
func (ec *ExecutionContext) Next() { ec.next = true }

// Continue reports whether the current controller re-armed the chain.
func (ec *ExecutionContext) Continue() bool { return ec.next }

// Input returns a configured input of the current node.
func (ec *ExecutionContext) Input(name string) (any, bool) {
	v, ok := ec.Inputs[name]
	return v, ok
}

// InputString returns a string input or def when it is unset or not a string.
func (ec *ExecutionContext) InputString(name, def string) string {
	if s, ok := ec.Inputs[name].(string); ok && s != "" {
		return s
	}
	return def
}

// DebugPayload is set only while a debug controller runs. It holds the
// previous node's recorded result, or a snapshot of the payload when there
// is none; later payload writes do not show through it.
func (ec *ExecutionContext) DebugPayload() (any, bool) {
	return ec.debug, ec.hasDebug
}

func (ec *ExecutionContext) SetDebugPayload(v any) {
	ec.debug = v
	ec.hasDebug = true
}

func (ec *ExecutionContext) ClearDebugPayload() {
	ec.debug = nil
	ec.hasDebug = false
}

// SetStatus sets the HTTP status the response should carry.
func (ec *ExecutionContext) SetStatus(code int) { ec.status = code }

// Header returns the response headers a controller may add to.
func (ec *ExecutionContext) Header() http.Header {
	if ec.header == nil {
		ec.header = make(http.Header)
	}
	return ec.header
}

// TakeResponse returns and resets the response fields set by the last
// controller.
func (ec *ExecutionContext) TakeResponse() (int, http.Header) {
	status, header := ec.status, ec.header
	ec.status, ec.header = 0, nil
	return status, header
}

// Emit publishes an event through the invocation's event bus.
func (ec *ExecutionContext) Emit(ctx context.Context, name string, args ...any) error {
	if ec.emitter == nil {
		return ErrNoEmitter
	}
	return ec.emitter.Emit(ctx, name, args...)
}
