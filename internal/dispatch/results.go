package dispatch

import (
	"context"
	"net/http"
	"sync"
)

// cell is the per-node slot of one invocation. The chain that claims it
// runs the node; every other chain waits on done and reuses the outcome.
type cell struct {
	done  chan struct{}
	value any
	ok     bool // a result was recorded
	next   bool // continue flag left by the claiming chain
	failed bool
}

func (c *cell) resolve(value any, ok, next bool) {
	c.value, c.ok, c.next = value, ok, next
	close(c.done)
}

func (c *cell) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results is the controllerResponse table of one invocation: first
// claimer wins, everyone else reads the winner's entry.
type Results struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// NewResults creates an empty table.
func NewResults() *Results {
	return &Results{cells: make(map[string]*cell)}
}

// claim returns the cell for id and whether the caller created it.
func (r *Results) claim(id string) (*cell, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cells[id]; ok {
		return c, false
	}
	c := &cell{done: make(chan struct{})}
	r.cells[id] = c
	return c, true
}

// release drops a cell whose claimer failed so the next chain to reach the
// node runs it itself. Waiters are woken with failed set.
func (r *Results) release(id string, c *cell) {
	r.mu.Lock()
	if r.cells[id] == c {
		delete(r.cells, id)
	}
	r.mu.Unlock()
	c.failed = true
	close(c.done)
}

// Lookup returns the recorded result for id, waiting if another chain is
// still running that node. Unknown ids report false immediately.
func (r *Results) Lookup(ctx context.Context, id string) (any, bool) {
	r.mu.Lock()
	c, ok := r.cells[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := c.wait(ctx); err != nil || c.failed {
		return nil, false
	}
	return c.value, c.ok
}

// terminals is the terminalResponse map: response key -> value.
type terminals struct {
	m sync.Map
}

func (t *terminals) store(key string, value any) {
	t.m.LoadOrStore(key, value)
}

func (t *terminals) snapshot() map[string]any {
	out := make(map[string]any)
	t.m.Range(func(k, v any) bool {
		out[k.(string)] = v
		return true
	})
	return out
}

// response collects the transport fields response controllers set.
type response struct {
	mu     sync.Mutex
	status int
	header http.Header
}

func (r *response) merge(status int, header http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status != 0 {
		r.status = status
	}
	for k, vs := range header {
		if r.header == nil {
			r.header = make(http.Header)
		}
		r.header[k] = append([]string(nil), vs...)
	}
}

func (r *response) fields() (int, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.header.Clone()
}
