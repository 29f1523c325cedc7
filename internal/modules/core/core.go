// Package core is the built-in module package every engine installs.
package core

import (
	"context"
	_ "embed"
	"fmt"
	"reflect"

	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/modules"
)

// PackageID is the installed package identifier of the core module.
const PackageID = "sentientflow-core"

//go:embed manifest.yaml
var manifestYAML []byte

// Manifest returns a fresh copy of the core manifest.
func Manifest() (*modules.Manifest, error) {
	return modules.ParseManifest(manifestYAML)
}

// Controllers is the core controller table.
func Controllers() map[string]flow.Controller {
	return map[string]flow.Controller{
		"trigger":  Trigger,
		"set":      Set,
		"filter":   Filter,
		"response": Response,
		"debug":    Debug,
		"emit":     Emit,
	}
}

// Install adds the core package to a catalog.
func Install(c *modules.Catalog) error {
	m, err := Manifest()
	if err != nil {
		return fmt.Errorf("core manifest: %w", err)
	}
	c.Install(PackageID, m, Controllers())
	return nil
}

// Trigger is never invoked by the dispatcher; it exists so trigger nodes resolve.
func Trigger(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	ec.Next()
	return flow.Result{}, nil
}

// Set writes a constant into the payload.
func Set(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	field := ec.InputString("field", "")
	if field == "" {
		return flow.Result{}, fmt.Errorf("set: field input is required")
	}
	value, _ := ec.Input("value")
	ec.Payload.Set(field, value)
	ec.Next()
	return flow.Result{}, nil
}

// Filter continues the chain only when the payload field equals the
// configured value. Without an equals input any present field passes.
func Filter(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	field := ec.InputString("field", "")
	got, ok := ec.Payload.Get(field)
	if !ok {
		return flow.Result{}, nil
	}
	want, hasWant := ec.Input("equals")
	if !hasWant || reflect.DeepEqual(got, want) {
		ec.Next()
	}
	return flow.Result{}, nil
}

// Response contributes one key to the response body: the payload field
// named by the field input, or the whole payload.
func Response(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	key := ec.InputString("key", ec.Node().ID)

	var value any = ec.Payload.Snapshot()
	if field := ec.InputString("field", ""); field != "" {
		value, _ = ec.Payload.Get(field)
	}

	switch s := ec.Inputs["status"].(type) {
	case int:
		ec.SetStatus(s)
	case float64:
		ec.SetStatus(int(s))
	}
	if headers, ok := ec.Inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			ec.Header().Set(k, fmt.Sprint(v))
		}
	}
	return flow.Result{Key: key, Value: value}, nil
}

// Debug publishes the value handed to the sink on the debug stream.
func Debug(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	data, _ := ec.DebugPayload()
	node := ec.Node()
	events.Emit("debug", "debug.message", "", map[string]interface{}{
		"invocation_id": ec.InvocationID,
		"flow":          node.Flow,
		"node_id":       node.ID,
		"data":          data,
	})
	return flow.Result{}, nil
}

// Emit publishes the payload as the single argument of a named event.
func Emit(ctx context.Context, ec *flow.ExecutionContext) (flow.Result, error) {
	name := ec.InputString("event", "")
	if name == "" {
		return flow.Result{}, fmt.Errorf("emit: event input is required")
	}
	if err := ec.Emit(ctx, name, ec.Payload.Snapshot()); err != nil {
		return flow.Result{}, fmt.Errorf("emit %s: %w", name, err)
	}
	ec.Next()
	return flow.Result{}, nil
}
