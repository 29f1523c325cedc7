package modules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SentientFlow/internal/flow"
)

func noop(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	return flow.Result{}, nil
}

func testCatalog() *Catalog {
	c := NewCatalog()
	c.Install("pkg-web", &Manifest{
		Name:     "web",
		Version:  "1.0.0",
		Settings: map[string]any{"region": "eu"},
		Nodes: []NodeSpec{
			{Name: "in", Kind: flow.KindTrigger},
			{Name: "hook", Kind: flow.KindTrigger, Trigger: TriggerEvent, Controller: "noop"},
			{Name: "pass", Kind: flow.KindMiddleware},
			{Name: "auth", Kind: flow.KindMiddleware, Controller: "auth"},
			{Name: "inline", Kind: flow.KindMiddleware, Func: noop},
			{Name: "reply", Kind: flow.KindResponse, Controller: "missing"},
		},
	}, map[string]flow.Controller{"auth": noop, "noop": noop})
	return c
}

func TestNormalizeHTTPTrigger(t *testing.T) {
	reg := NewRegistry(testCatalog())
	require.NoError(t, reg.Load(context.Background()))

	spec, err := reg.Spec("web.in")
	require.NoError(t, err)
	assert.Equal(t, "web.in", spec.ID)
	assert.Equal(t, TriggerHTTP, spec.Trigger)

	endpoint, ok := spec.Input(InputEndpoint)
	require.True(t, ok)
	assert.Equal(t, "", endpoint.Default)

	method, ok := spec.Input(InputMethod)
	require.True(t, ok)
	assert.Equal(t, DefaultMethods, method.Options)

	hook, err := reg.Spec("web.hook")
	require.NoError(t, err)
	assert.True(t, hook.IsEventTrigger())
	_, ok = hook.Input(InputEndpoint)
	assert.False(t, ok, "event triggers get no route input")
}

func TestNormalizeMiddlewarePassthrough(t *testing.T) {
	reg := NewRegistry(testCatalog())
	require.NoError(t, reg.Load(context.Background()))

	fn, err := reg.Resolve(context.Background(), "web.pass")
	require.NoError(t, err)

	ec := flow.NewExecutionContext("inv", flow.NewPayload(map[string]any{"a": 1}), &flow.Incoming{}, nil)
	ec.Prepare(flow.Node{ID: "p"}, nil, nil)
	res, err := fn(context.Background(), ec)
	require.NoError(t, err)
	assert.True(t, ec.Continue())
	assert.Equal(t, flow.Result{}, res)
	assert.Equal(t, map[string]any{"a": 1}, ec.Payload.Snapshot())
}

func TestResolveErrors(t *testing.T) {
	reg := NewRegistry(testCatalog())
	require.NoError(t, reg.Load(context.Background()))
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "nope.in")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, err = reg.Resolve(ctx, "web.nope")
	assert.ErrorIs(t, err, ErrSpecNotFound)

	_, err = reg.Resolve(ctx, "web.reply")
	assert.ErrorIs(t, err, ErrControllerNotFound)

	_, err = reg.ResolveNode(ctx, flow.Node{ID: "r1", Flow: "shop", Module: "web.reply"})
	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "shop/r1", rerr.NodeID)
	assert.Equal(t, "web.reply", rerr.Ref)

	// the registry keeps serving after a failure
	_, err = reg.Resolve(ctx, "web.auth")
	assert.NoError(t, err)
	_, err = reg.Resolve(ctx, "web.inline")
	assert.NoError(t, err)
}

type countingBackend struct {
	*Catalog
	loads atomic.Int32
}

func (b *countingBackend) LoadController(ctx context.Context, pkg, name string) (flow.Controller, error) {
	b.loads.Add(1)
	return b.Catalog.LoadController(ctx, pkg, name)
}

func TestResolveCachesControllers(t *testing.T) {
	backend := &countingBackend{Catalog: testCatalog()}
	reg := NewRegistry(backend)
	require.NoError(t, reg.Load(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := reg.Resolve(context.Background(), "web.auth")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), backend.loads.Load())

	require.NoError(t, reg.Load(context.Background()))
	_, err := reg.Resolve(context.Background(), "web.auth")
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.loads.Load(), "reload drops the cache")
}

func TestReloadLeavesReceiverUntouched(t *testing.T) {
	c := testCatalog()
	reg := NewRegistry(c)
	require.NoError(t, reg.Load(context.Background()))
	_, err := reg.Resolve(context.Background(), "web.auth")
	require.NoError(t, err)

	c.Install("pkg-web", &Manifest{Name: "web", Nodes: []NodeSpec{{Name: "pass", Kind: flow.KindMiddleware}}}, nil)
	fresh, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, reg, fresh)

	_, err = fresh.Spec("web.auth")
	assert.ErrorIs(t, err, ErrSpecNotFound)
	_, err = reg.Spec("web.auth")
	assert.NoError(t, err)
	_, err = reg.Resolve(context.Background(), "web.auth")
	assert.NoError(t, err, "cached controller survives")
}

func TestLoadSkipsBrokenPackages(t *testing.T) {
	c := testCatalog()
	c.Install("pkg-bad", &Manifest{Name: "bad", Nodes: []NodeSpec{{Name: "x", Kind: "loop"}}}, nil)
	c.Install("pkg-web-copy", &Manifest{Name: "web"}, nil)

	reg := NewRegistry(c)
	err := reg.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pkg-bad")
	assert.Equal(t, []string{"web"}, reg.Modules())
	assert.Equal(t, map[string]any{"region": "eu"}, reg.ModuleData("web.auth"))
}

func TestDirBackend(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg-shop"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	manifest := `
name: shop
version: 0.2.0
settings:
  currency: EUR
nodes:
  - name: checkout
    kind: trigger
  - name: price
    kind: middleware
    controller: price
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg-shop", "manifest.yaml"), []byte(manifest), 0o644))

	controllers := NewCatalog()
	controllers.Install("pkg-shop", nil, map[string]flow.Controller{"price": noop})

	backend := Backends{controllers, NewDirBackend(root, controllers)}
	ids, err := backend.ListInstalledModules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-shop"}, ids)

	reg := NewRegistry(backend)
	require.NoError(t, reg.Load(context.Background()))

	_, err = reg.Resolve(context.Background(), "shop.price")
	require.NoError(t, err)
	assert.Equal(t, "EUR", reg.ModuleData("shop.price")["currency"])

	spec, err := reg.Spec("shop.checkout")
	require.NoError(t, err)
	_, ok := spec.Input(InputMethod)
	assert.True(t, ok)
}

func TestManifestValidate(t *testing.T) {
	assert.Error(t, (&Manifest{}).Validate())
	assert.Error(t, (&Manifest{Name: "a.b"}).Validate())
	assert.Error(t, (&Manifest{Name: "a", Nodes: []NodeSpec{{Name: "x", Kind: flow.KindDebug}, {Name: "x", Kind: flow.KindDebug}}}).Validate())
	assert.Error(t, (&Manifest{Name: "a", Nodes: []NodeSpec{{Name: "x", Kind: flow.KindTrigger, Trigger: "ftp"}}}).Validate())
	assert.NoError(t, (&Manifest{Name: "a", Nodes: []NodeSpec{{Name: "x", Kind: flow.KindDebug}}}).Validate())
}
