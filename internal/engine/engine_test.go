package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/modules"
	"github.com/AaronLay10/SentientFlow/internal/modules/core"
)

// probe is a test module whose controllers report what they saw.
type probe struct {
	mu       sync.Mutex
	recorded []map[string]any
	counted  atomic.Int32
}

func (p *probe) install(cat *modules.Catalog) {
	cat.Install("probe-pkg", &modules.Manifest{
		Name:    "probe",
		Version: "0.1.0",
		Nodes: []modules.NodeSpec{
			{Name: "record", Kind: flow.KindMiddleware, Controller: "record"},
			{Name: "fail", Kind: flow.KindMiddleware, Controller: "fail"},
			{Name: "count", Kind: flow.KindResponse, Controller: "count"},
		},
	}, map[string]flow.Controller{
		"record": func(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
			p.mu.Lock()
			p.recorded = append(p.recorded, ec.Payload.Snapshot())
			p.mu.Unlock()
			ec.Next()
			return flow.Result{}, nil
		},
		"fail": func(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
			return flow.Result{}, errors.New("probe failure")
		},
		"count": func(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
			p.counted.Add(1)
			return flow.Result{Key: "count", Value: "once"}, nil
		},
	})
}

func (p *probe) records() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.recorded...)
}

func newEngine(t *testing.T, flows ...*flow.Flow) (*Engine, *flow.MemoryStore, *probe) {
	t.Helper()
	cat := modules.NewCatalog()
	require.NoError(t, core.Install(cat))
	p := &probe{}
	p.install(cat)
	store := flow.NewMemoryStore(flows...)
	e := New(Options{Store: store, Registry: modules.NewRegistry(cat)})
	return e, store, p
}

func usersFlow() *flow.Flow {
	return &flow.Flow{
		Name: "users",
		Nodes: []flow.Node{
			{ID: "in", Module: "core.http-in"},
			{ID: "mark", Module: "core.set"},
			{ID: "out", Module: "core.response"},
		},
		Edges: []flow.Edge{
			{Source: "in", Target: "mark", Active: true},
			{Source: "mark", Target: "out", Active: true},
		},
		Configurations: []flow.NodeConfiguration{
			{NodeID: "in", Configs: map[string]any{"endpoint": "users", "method": "POST", "params": []any{"id"}}},
			{NodeID: "mark", Configs: map[string]any{"field": "seen", "value": true}},
			{NodeID: "out", Configs: map[string]any{"key": "user", "status": 201}},
		},
	}
}

func serve(e *Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDeployServesFlowRoutes(t *testing.T) {
	e, _, _ := newEngine(t, usersFlow())
	require.NoError(t, e.Deploy(context.Background()))
	assert.True(t, e.Ready())

	rec := serve(e, http.MethodPost, "/users/7", `{"name":"ada"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(InvocationHeader))

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{"name": "ada", "seen": true}, body["user"])

	rec = serve(e, http.MethodGet, "/users/7", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeBeforeDeploy(t *testing.T) {
	e, _, _ := newEngine(t)
	rec := serve(e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := e.Dispatch(context.Background(), "GET /", nil)
	assert.ErrorIs(t, err, ErrNotDeployed)
}

func TestInvalidJSONBody(t *testing.T) {
	e, _, _ := newEngine(t, usersFlow())
	require.NoError(t, e.Deploy(context.Background()))

	rec := serve(e, http.MethodPost, "/users/7", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedDeployKeepsPreviousTable(t *testing.T) {
	e, store, _ := newEngine(t, usersFlow())
	require.NoError(t, e.Deploy(context.Background()))
	before := e.Active()

	store.Put(&flow.Flow{
		Name:  "broken",
		Nodes: []flow.Node{{ID: "in", Module: "core.http-in"}, {ID: "x", Module: "missing.node"}},
		Edges: []flow.Edge{{Source: "in", Target: "x", Active: true}},
	})
	err := e.Deploy(context.Background())
	require.Error(t, err)
	var rerr *modules.ResolutionError
	assert.ErrorAs(t, err, &rerr)

	assert.Same(t, before, e.Active())
	rec := serve(e, http.MethodPost, "/users/1", `{}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDispatchUnknownKey(t *testing.T) {
	e, _, _ := newEngine(t, usersFlow())
	require.NoError(t, e.Deploy(context.Background()))

	_, err := e.Dispatch(context.Background(), "GET /nope", &flow.Incoming{})
	assert.ErrorIs(t, err, ErrNoRoute)

	out, err := e.Dispatch(context.Background(), "POST /users/{id}", &flow.Incoming{Method: "POST"})
	require.NoError(t, err)
	assert.Contains(t, out.Body, "user")
}

func TestSharedResponseNodeAcrossFanOut(t *testing.T) {
	f := &flow.Flow{
		Name: "fan",
		Nodes: []flow.Node{
			{ID: "t", Module: "core.http-in"},
			{ID: "m1", Module: "core.pass"},
			{ID: "m2", Module: "core.pass"},
			{ID: "r", Module: "probe.count"},
		},
		Edges: []flow.Edge{
			{Source: "t", Target: "m1", Active: true},
			{Source: "t", Target: "m2", Active: true},
			{Source: "m1", Target: "r", Active: true},
			{Source: "m2", Target: "r", Active: true},
		},
		Configurations: []flow.NodeConfiguration{{NodeID: "t", Configs: map[string]any{"endpoint": "fan"}}},
	}
	e, _, p := newEngine(t, f)
	require.NoError(t, e.Deploy(context.Background()))
	require.Equal(t, 2, e.Active().Table.Stacks())

	rec := serve(e, http.MethodGet, "/fan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":"once"}`, rec.Body.String())
	assert.EqualValues(t, 1, p.counted.Load())
}

func TestNoTerminalOutputIsNoContent(t *testing.T) {
	f := &flow.Flow{
		Name:           "dbg",
		Nodes:          []flow.Node{{ID: "t", Module: "core.http-in"}, {ID: "d", Module: "core.debug"}},
		Edges:          []flow.Edge{{Source: "t", Target: "d", Active: true}},
		Configurations: []flow.NodeConfiguration{{NodeID: "t", Configs: map[string]any{"endpoint": "dbg"}}},
	}
	e, _, _ := newEngine(t, f)
	require.NoError(t, e.Deploy(context.Background()))

	rec := serve(e, http.MethodGet, "/dbg", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAllChainsFailedIsServerError(t *testing.T) {
	f := &flow.Flow{
		Name: "bad",
		Nodes: []flow.Node{
			{ID: "t", Module: "core.http-in"},
			{ID: "f", Module: "probe.fail"},
			{ID: "r", Module: "core.response"},
		},
		Edges: []flow.Edge{
			{Source: "t", Target: "f", Active: true},
			{Source: "f", Target: "r", Active: true},
		},
		Configurations: []flow.NodeConfiguration{{NodeID: "t", Configs: map[string]any{"endpoint": "bad"}}},
	}
	e, _, _ := newEngine(t, f)
	require.NoError(t, e.Deploy(context.Background()))

	rec := serve(e, http.MethodGet, "/bad", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func eventFlows() []*flow.Flow {
	return []*flow.Flow{
		{
			Name: "producer",
			Nodes: []flow.Node{
				{ID: "t", Module: "core.http-in"},
				{ID: "emit", Module: "core.emit"},
				{ID: "r", Module: "core.response"},
			},
			Edges: []flow.Edge{
				{Source: "t", Target: "emit", Active: true},
				{Source: "emit", Target: "r", Active: true},
			},
			Configurations: []flow.NodeConfiguration{
				{NodeID: "t", Configs: map[string]any{"endpoint": "orders", "method": "POST"}},
				{NodeID: "emit", Configs: map[string]any{"event": "order.created"}},
			},
		},
		{
			Name: "consumer",
			Nodes: []flow.Node{
				{ID: "on", Module: "core.event-in"},
				{ID: "rec", Module: "probe.record"},
				{ID: "log", Module: "core.debug"},
			},
			Edges: []flow.Edge{
				{Source: "on", Target: "rec", Active: true},
				{Source: "rec", Target: "log", Active: true},
			},
			Configurations: []flow.NodeConfiguration{
				{NodeID: "on", Configs: map[string]any{"event": "order.created"}},
			},
		},
	}
}

func TestEmitDispatchesEventRoutesLocally(t *testing.T) {
	e, _, p := newEngine(t, eventFlows()...)
	require.NoError(t, e.Deploy(context.Background()))

	rec := serve(e, http.MethodPost, "/orders", `{"id":"o-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	e.Wait()

	got := p.records()
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"id": "o-1"}, got[0]["msg"])
}

type fakePublisher struct {
	mu    sync.Mutex
	names []string
}

func (f *fakePublisher) Publish(ctx context.Context, name string, args []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return nil
}

func TestEmitUsesPublisher(t *testing.T) {
	e, _, p := newEngine(t, eventFlows()...)
	require.NoError(t, e.Deploy(context.Background()))
	pub := &fakePublisher{}
	e.SetPublisher(pub)

	require.NoError(t, e.Emit(context.Background(), "order.created", "x"))
	e.Wait()

	assert.Equal(t, []string{"order.created"}, pub.names)
	assert.Empty(t, p.records())
}

func TestDispatchEvent(t *testing.T) {
	e, _, p := newEngine(t, eventFlows()...)
	require.NoError(t, e.Deploy(context.Background()))

	out, err := e.DispatchEvent(context.Background(), "order.created", []any{"a", 1.0})
	require.NoError(t, err)
	assert.Nil(t, out.Body)

	got := p.records()
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"msg": "a", "msg1": 1.0}, got[0])

	_, err = e.DispatchEvent(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestFailedDeployKeepsPreviousModules(t *testing.T) {
	cat := modules.NewCatalog()
	require.NoError(t, core.Install(cat))
	p := &probe{}
	p.install(cat)
	f := &flow.Flow{
		Name: "p",
		Nodes: []flow.Node{
			{ID: "in", Module: "core.http-in"},
			{ID: "rec", Module: "probe.record"},
			{ID: "out", Module: "core.response"},
		},
		Edges: []flow.Edge{
			{Source: "in", Target: "rec", Active: true},
			{Source: "rec", Target: "out", Active: true},
		},
		Configurations: []flow.NodeConfiguration{{NodeID: "in", Configs: map[string]any{"endpoint": "p"}}},
	}
	e := New(Options{Store: flow.NewMemoryStore(f), Registry: modules.NewRegistry(cat)})
	require.NoError(t, e.Deploy(context.Background()))
	before := e.Active()
	require.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/p", "").Code)

	// The package now ships without the record node the active flow uses.
	cat.Install("probe-pkg", &modules.Manifest{
		Name:  "probe",
		Nodes: []modules.NodeSpec{{Name: "count", Kind: flow.KindResponse, Controller: "count"}},
	}, map[string]flow.Controller{
		"count": func(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
			return flow.Result{}, nil
		},
	})
	require.Error(t, e.Deploy(context.Background()))
	assert.Same(t, before, e.Active())

	rec := serve(e, http.MethodGet, "/p", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, p.records(), 2)

	_, err := before.Registry.Spec("probe.record")
	assert.NoError(t, err)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	e, _, _ := newEngine(t, usersFlow())
	require.NoError(t, e.Deploy(context.Background()))

	big := `{"name":"` + strings.Repeat("a", maxBody) + `"}`
	rec := serve(e, http.MethodPost, "/users/7", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDuplicateFlowNamesFailDeploy(t *testing.T) {
	dir := t.TempDir()
	doc := `{"name":"same","nodes":[{"id":"in","module":"core.http-in"},{"id":"out","module":"core.response"}],
"edges":[{"source":"in","target":"out","active":true}],
"configurations":[{"node_id":"in","configs":{"endpoint":"%s"}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(fmt.Sprintf(doc, "a")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(fmt.Sprintf(doc, "b")), 0o644))

	cat := modules.NewCatalog()
	require.NoError(t, core.Install(cat))
	e := New(Options{Store: flow.NewDirStore(dir), Registry: modules.NewRegistry(cat)})

	err := e.Deploy(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateFlow)
	assert.False(t, e.Ready())
}
