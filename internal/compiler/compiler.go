// Package compiler turns flow graphs into execution stacks: ordered node
// paths from a trigger to a terminal node.
package compiler

import (
	"context"
	"errors"
	"fmt"

	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/modules"
)

// Output is the result of a compile pass.
type Output struct {
	Stacks []flow.Stack
	// Configurations holds only the configurations of nodes on some stack.
	Configurations []flow.NodeConfiguration
}

// Compile builds every trigger-to-terminal path of the graph. Node kinds
// must already be set. Paths that dead-end on a non-terminal node are
// dropped, as are paths that would revisit a node.
func Compile(nodes []flow.Node, edges []flow.Edge, configs []flow.NodeConfiguration) Output {
	enabled := make(map[string]flow.Node, len(nodes))
	for _, n := range nodes {
		if !n.Disabled {
			enabled[n.ID] = n
		}
	}

	outgoing := make(map[string][]string)
	wired := make(map[[2]string]struct{})
	for _, e := range edges {
		if !e.Active {
			continue
		}
		if _, ok := enabled[e.Source]; !ok {
			continue
		}
		if _, ok := enabled[e.Target]; !ok {
			continue
		}
		pair := [2]string{e.Source, e.Target}
		if _, dup := wired[pair]; dup {
			continue
		}
		wired[pair] = struct{}{}
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}

	var live []flow.Stack
	for _, n := range nodes {
		if n.Disabled || n.Kind != flow.KindTrigger {
			continue
		}
		live = append(live, flow.Stack{n})
	}

	var accepted []flow.Stack
	for len(live) > 0 {
		var next []flow.Stack
		for _, path := range live {
			last := path.Last()
			var extended []flow.Stack
			for _, target := range outgoing[last.ID] {
				if path.Contains(target) {
					continue
				}
				extended = append(extended, extend(path, enabled[target]))
			}
			if len(extended) == 0 {
				if last.Kind.IsTerminal() {
					accepted = append(accepted, path)
				}
				continue
			}
			for _, p := range extended {
				if p.Last().Kind.IsTerminal() {
					accepted = append(accepted, p)
					continue
				}
				next = append(next, p)
			}
		}
		live = next
	}

	return Output{
		Stacks:         accepted,
		Configurations: reachable(accepted, configs),
	}
}

func extend(path flow.Stack, n flow.Node) flow.Stack {
	p := make(flow.Stack, len(path), len(path)+1)
	copy(p, path)
	return append(p, n)
}

func reachable(stacks []flow.Stack, configs []flow.NodeConfiguration) []flow.NodeConfiguration {
	onStack := make(map[string]struct{})
	for _, s := range stacks {
		for _, n := range s {
			onStack[n.QualifiedID()] = struct{}{}
		}
	}
	seen := make(map[string]struct{})
	var out []flow.NodeConfiguration
	for _, c := range configs {
		id := c.QualifiedID()
		if _, ok := onStack[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Resolver is the part of the module registry the compiler needs.
type Resolver interface {
	Spec(ref string) (*modules.NodeSpec, error)
	ResolveNode(ctx context.Context, node flow.Node) (flow.Controller, error)
}

// Compiler compiles stored flows against a module registry.
type Compiler struct {
	Resolver Resolver
}

// New returns a compiler resolving nodes through r.
func New(r Resolver) *Compiler {
	return &Compiler{Resolver: r}
}

// CompileFlow fills missing node kinds from the registry, compiles the
// graph and checks that every node on an accepted stack resolves.
func (c *Compiler) CompileFlow(ctx context.Context, f *flow.Flow) (Output, error) {
	f.Qualify()
	nodes := make([]flow.Node, len(f.Nodes))
	var errs []error
	for i, n := range f.Nodes {
		if !n.Disabled && n.Kind == "" {
			spec, err := c.Resolver.Spec(n.Module)
			if err != nil {
				errs = append(errs, &modules.ResolutionError{NodeID: n.QualifiedID(), Ref: n.Module, Err: err})
			} else {
				n.Kind = spec.Kind
			}
		}
		nodes[i] = n
	}
	if len(errs) > 0 {
		return Output{}, fmt.Errorf("flow %s: %w", f.Name, errors.Join(errs...))
	}

	out := Compile(nodes, f.Edges, f.Configurations)

	checked := make(map[string]struct{})
	for _, s := range out.Stacks {
		for _, n := range s {
			if _, ok := checked[n.ID]; ok {
				continue
			}
			checked[n.ID] = struct{}{}
			if _, err := c.Resolver.ResolveNode(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return Output{}, fmt.Errorf("flow %s: %w", f.Name, errors.Join(errs...))
	}
	return out, nil
}

// CompileFlows compiles several flows into one output. Any failing flow
// fails the whole pass.
func (c *Compiler) CompileFlows(ctx context.Context, flows []*flow.Flow) (Output, error) {
	var all Output
	var errs []error
	for _, f := range flows {
		out, err := c.CompileFlow(ctx, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all.Stacks = append(all.Stacks, out.Stacks...)
		all.Configurations = append(all.Configurations, out.Configurations...)
	}
	if len(errs) > 0 {
		return Output{}, errors.Join(errs...)
	}
	return all, nil
}
