package graph

import (
	"slices"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// Graph is the validated, closed dependency graph of one contract.
type Graph struct {
	nodes  []*FunctionNode
	byID   map[types.FunctionID]*FunctionNode
	calls  CallGraph
	direct DependencyMatrix
	closed DependencyMatrix
	topo   []types.FunctionID
}

// Build runs the full construction: call graph, direct state map, cycle
// check, topological order and closure. Duplicate function ids are rejected.
func Build(decls []types.FunctionDecl, vars []types.StateVariable) (*Graph, error) {
	seen := make(map[types.FunctionID]struct{}, len(decls))
	for _, d := range decls {
		if _, dup := seen[d.ID]; dup {
			return nil, invalidf("duplicate function id %d (%s)", d.ID, d.Name)
		}
		seen[d.ID] = struct{}{}
	}

	calls := BuildCallGraph(decls)
	direct := BuildDirectStateMap(decls, vars)

	if err := ValidateAcyclic(calls, decls); err != nil {
		return nil, err
	}

	topo, err := TopologicalOrder(calls, decls)
	if err != nil {
		return nil, err
	}

	closed := CloseDependencies(calls, direct, topo)

	idx := indexDecls(decls)
	g := &Graph{
		nodes:  make([]*FunctionNode, 0, len(decls)),
		byID:   make(map[types.FunctionID]*FunctionNode, len(decls)),
		calls:  calls,
		direct: direct,
		closed: closed,
		topo:   topo,
	}
	for i, d := range decls {
		n := &FunctionNode{
			ID:               d.ID,
			Name:             d.Name,
			Selector:         d.Selector,
			Index:            i,
			DirectCallees:    idx.inOrder(calls[d.ID]),
			DirectStateVars:  direct.Sorted(d.ID),
			ClosureStateVars: closed.Sorted(d.ID),
		}
		g.nodes = append(g.nodes, n)
		g.byID[d.ID] = n
	}
	return g, nil
}

// Nodes returns all functions in declaration order.
func (g *Graph) Nodes() []*FunctionNode { return g.nodes }

// Node returns the function with the given id.
func (g *Graph) Node(id types.FunctionID) (*FunctionNode, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Order returns function ids in declaration order.
func (g *Graph) Order() []types.FunctionID {
	out := make([]types.FunctionID, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.ID
	}
	return out
}

// Topological returns function ids with callees before callers.
func (g *Graph) Topological() []types.FunctionID { return slices.Clone(g.topo) }

// Calls returns the call graph.
func (g *Graph) Calls() CallGraph { return g.calls }

// Direct returns the direct state dependencies.
func (g *Graph) Direct() DependencyMatrix { return g.direct }

// Closed returns the transitive state dependencies.
func (g *Graph) Closed() DependencyMatrix { return g.closed }
