package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SentientFlow/internal/compiler"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/modules"
	"github.com/AaronLay10/SentientFlow/internal/modules/core"
)

func newRegistry(t *testing.T) *modules.Registry {
	t.Helper()
	cat := modules.NewCatalog()
	require.NoError(t, core.Install(cat))
	reg := modules.NewRegistry(cat)
	require.NoError(t, reg.Load(context.Background()))
	return reg
}

func compile(t *testing.T, reg *modules.Registry, flows ...*flow.Flow) compiler.Output {
	t.Helper()
	out, err := compiler.New(reg).CompileFlows(context.Background(), flows)
	require.NoError(t, err)
	return out
}

func httpFlow(name string, cfg map[string]any) *flow.Flow {
	return &flow.Flow{
		Name: name,
		Nodes: []flow.Node{
			{ID: "in", Module: "core.http-in"},
			{ID: "a", Module: "core.pass"},
			{ID: "b", Module: "core.pass"},
			{ID: "out", Module: "core.response"},
		},
		Edges: []flow.Edge{
			{Source: "in", Target: "a", Active: true},
			{Source: "in", Target: "b", Active: true},
			{Source: "a", Target: "out", Active: true},
			{Source: "b", Target: "out", Active: true},
		},
		Configurations: []flow.NodeConfiguration{
			{NodeID: "in", Configs: cfg},
			{NodeID: "out", Configs: map[string]any{"key": "user"}},
		},
	}
}

func TestBuildGroupsStacksByTrigger(t *testing.T) {
	reg := newRegistry(t)
	out := compile(t, reg, httpFlow("users", map[string]any{
		"endpoint": "/users/",
		"method":   "post",
		"params":   []any{"id", "field"},
	}))

	table, err := Build(out, reg)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())
	assert.Equal(t, 2, table.Stacks())

	r, ok := table.Lookup("POST /users/{id}/{field}")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "field"}, r.Params)
	assert.Equal(t, []string{"users/in"}, r.Triggers)
	assert.Len(t, r.Stacks, 2)
	assert.Equal(t, "user", r.Configs["users/out"]["key"])
}

func TestDefaultMethodAndRootPath(t *testing.T) {
	reg := newRegistry(t)
	table, err := Build(compile(t, reg, httpFlow("root", nil)), reg)
	require.NoError(t, err)

	r, ok := table.Lookup("GET /")
	require.True(t, ok)
	assert.Equal(t, "GET /{$}", r.Pattern())
	assert.Equal(t, "GET", r.Configs["root/in"]["method"])
}

func TestMethodsListBindsEveryMethod(t *testing.T) {
	reg := newRegistry(t)
	table, err := Build(compile(t, reg, httpFlow("items", map[string]any{
		"endpoint": "items",
		"methods":  "GET, PUT",
	})), reg)
	require.NoError(t, err)

	_, okGet := table.Lookup("GET /items")
	_, okPut := table.Lookup("PUT /items")
	assert.True(t, okGet)
	assert.True(t, okPut)
	assert.Equal(t, 2, table.Len())
}

func TestTriggersWithSameKeyAreMerged(t *testing.T) {
	reg := newRegistry(t)
	cfg := map[string]any{"endpoint": "shared"}
	table, err := Build(compile(t, reg, httpFlow("one", cfg), httpFlow("two", cfg)), reg)
	require.NoError(t, err)

	r, ok := table.Lookup("GET /shared")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"one/in", "two/in"}, r.Triggers)
	assert.Len(t, r.Stacks, 4)
}

func TestEventTriggerKey(t *testing.T) {
	reg := newRegistry(t)
	f := &flow.Flow{
		Name:  "orders",
		Nodes: []flow.Node{{ID: "on", Module: "core.event-in"}, {ID: "log", Module: "core.debug"}},
		Edges: []flow.Edge{{Source: "on", Target: "log", Active: true}},
		Configurations: []flow.NodeConfiguration{
			{NodeID: "on", Configs: map[string]any{"event": "order.created"}},
		},
	}
	table, err := Build(compile(t, reg, f), reg)
	require.NoError(t, err)

	r, ok := table.Event("order.created")
	require.True(t, ok)
	assert.True(t, r.IsEvent())
	assert.Equal(t, "event:order.created", r.Key)
}

func TestBuildRejectsBadTriggerConfig(t *testing.T) {
	reg := newRegistry(t)
	cases := map[string]map[string]any{
		"bad param":     {"params": []any{"1id"}},
		"dup param":     {"params": "id,id"},
		"bad method":    {"method": "BREW"},
		"non-list":      {"params": 42},
		"non-string el": {"methods": []any{1}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(compile(t, reg, httpFlow("f", cfg)), reg)
			assert.Error(t, err)
		})
	}

	eventless := &flow.Flow{
		Name:  "e",
		Nodes: []flow.Node{{ID: "on", Module: "core.event-in"}, {ID: "log", Module: "core.debug"}},
		Edges: []flow.Edge{{Source: "on", Target: "log", Active: true}},
	}
	_, err := Build(compile(t, reg, eventless), reg)
	assert.Error(t, err)
}

func TestMuxConflictIsReported(t *testing.T) {
	reg := newRegistry(t)
	a := httpFlow("a", map[string]any{"endpoint": "users", "params": "id"})
	b := httpFlow("b", map[string]any{"endpoint": "users", "params": "name"})
	table, err := Build(compile(t, reg, a, b), reg)
	require.NoError(t, err)

	_, err = table.Mux(func(*Route) http.Handler { return http.NotFoundHandler() })
	assert.ErrorIs(t, err, ErrRouteConflict)
}

func TestMuxServesRoutes(t *testing.T) {
	reg := newRegistry(t)
	table, err := Build(compile(t, reg, httpFlow("u", map[string]any{"endpoint": "users", "params": "id"})), reg)
	require.NoError(t, err)

	var got string
	mux, err := table.Mux(func(r *Route) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			got = r.Key + " id=" + req.PathValue("id")
		})
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))
	assert.Equal(t, "GET /users/{id} id=42", got)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
