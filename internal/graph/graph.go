// Package graph builds the function call graph of a contract and closes each
// function's state dependencies over its callees.
//
// All public results are deterministic: whenever a choice exists, declaration
// order decides.
package graph

import (
	"container/heap"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// CallGraph maps a function to the set of functions it calls directly.
// Self-calls and references to undeclared functions are never present.
type CallGraph map[types.FunctionID]mapset.Set[types.FunctionID]

// DependencyMatrix maps a function to a set of state variables.
type DependencyMatrix map[types.FunctionID]mapset.Set[types.VarID]

// Get returns the set for id, or an empty set.
func (m DependencyMatrix) Get(id types.FunctionID) mapset.Set[types.VarID] {
	if s, ok := m[id]; ok {
		return s
	}
	return mapset.NewThreadUnsafeSet[types.VarID]()
}

// Sorted returns the variables of id in ascending id order.
func (m DependencyMatrix) Sorted(id types.FunctionID) []types.VarID {
	out := m.Get(id).ToSlice()
	slices.Sort(out)
	return out
}

// FunctionNode is one analysed function. Immutable once built.
type FunctionNode struct {
	ID               types.FunctionID
	Name             string
	Selector         *types.Selector
	Index            int // declaration position
	DirectCallees    []types.FunctionID
	DirectStateVars  []types.VarID
	ClosureStateVars []types.VarID
}

// declIndex resolves function ids to declaration positions.
type declIndex map[types.FunctionID]int

func indexDecls(decls []types.FunctionDecl) declIndex {
	idx := make(declIndex, len(decls))
	for i, d := range decls {
		if _, ok := idx[d.ID]; !ok {
			idx[d.ID] = i
		}
	}
	return idx
}

// inOrder returns the members of set sorted by declaration position.
func (idx declIndex) inOrder(set mapset.Set[types.FunctionID]) []types.FunctionID {
	if set == nil {
		return nil
	}
	out := set.ToSlice()
	slices.SortFunc(out, func(a, b types.FunctionID) int { return idx[a] - idx[b] })
	return out
}

// BuildCallGraph records, for every declared function, the callees that
// resolve to another declared function.
func BuildCallGraph(decls []types.FunctionDecl) CallGraph {
	idx := indexDecls(decls)
	calls := make(CallGraph, len(decls))
	for _, d := range decls {
		set, ok := calls[d.ID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[types.FunctionID]()
			calls[d.ID] = set
		}
		for _, ref := range d.Callees {
			callee := types.FunctionID(ref)
			if callee == d.ID {
				continue
			}
			if _, declared := idx[callee]; !declared {
				continue
			}
			set.Add(callee)
		}
	}
	return calls
}

// BuildDirectStateMap records, for every declared function, the identifier
// references that resolve to a declared state variable.
func BuildDirectStateMap(decls []types.FunctionDecl, vars []types.StateVariable) DependencyMatrix {
	declared := mapset.NewThreadUnsafeSetWithSize[types.VarID](len(vars))
	for _, v := range vars {
		declared.Add(v.ID)
	}

	direct := make(DependencyMatrix, len(decls))
	for _, d := range decls {
		set, ok := direct[d.ID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[types.VarID]()
			direct[d.ID] = set
		}
		for _, ref := range d.StateRefs {
			if v := types.VarID(ref); declared.Contains(v) {
				set.Add(v)
			}
		}
	}
	return direct
}

// ValidateAcyclic proves the call graph has no cycles with a white/gray/black
// depth-first search in declaration order. The first back edge found yields a
// *CyclicCallGraphError naming the function it points to.
func ValidateAcyclic(calls CallGraph, decls []types.FunctionDecl) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	idx := indexDecls(decls)
	names := make(map[types.FunctionID]string, len(decls))
	for _, d := range decls {
		names[d.ID] = d.Name
	}

	color := make(map[types.FunctionID]int, len(decls))
	parent := make(map[types.FunctionID]types.FunctionID, len(decls))
	var cycleErr *CyclicCallGraphError

	var dfs func(u types.FunctionID) bool
	dfs = func(u types.FunctionID) bool {
		color[u] = gray
		for _, v := range idx.inOrder(calls[u]) {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v: walk parents from u up to v.
				path := []types.FunctionID{u}
				for cur := u; cur != v; {
					cur = parent[cur]
					path = append(path, cur)
				}
				slices.Reverse(path)
				path = append(path, v)

				cycle := make([]string, len(path))
				for i, id := range path {
					cycle[i] = names[id]
				}
				cycleErr = &CyclicCallGraphError{Function: v, Name: names[v], Cycle: cycle}
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, d := range decls {
		if color[d.ID] != white {
			continue
		}
		if dfs(d.ID) {
			return cycleErr
		}
	}
	return nil
}

type posHeap []int

func (h posHeap) Len() int           { return len(h) }
func (h posHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h posHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *posHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *posHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns every declared function with callees placed
// before their callers. Among ready functions the earliest declared goes
// first. The graph must already be acyclic; if it is not, the functions
// left on a cycle are reported as an ErrInvalidGraph.
func TopologicalOrder(calls CallGraph, decls []types.FunctionDecl) ([]types.FunctionID, error) {
	idx := indexDecls(decls)
	remaining := make([]int, len(decls))
	callers := make([][]int, len(decls))

	for i, d := range decls {
		if idx[d.ID] != i {
			continue
		}
		set := calls[d.ID]
		if set == nil {
			continue
		}
		set.Each(func(c types.FunctionID) bool {
			ci, ok := idx[c]
			if !ok {
				return false
			}
			remaining[i]++
			callers[ci] = append(callers[ci], i)
			return false
		})
	}

	ready := &posHeap{}
	for i, d := range decls {
		if idx[d.ID] == i && remaining[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]types.FunctionID, 0, len(idx))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, decls[i].ID)
		for _, caller := range callers[i] {
			remaining[caller]--
			if remaining[caller] == 0 {
				heap.Push(ready, caller)
			}
		}
	}

	if len(order) != len(idx) {
		return nil, invalidf("%d functions remain on a call cycle", len(idx)-len(order))
	}
	return order, nil
}

// CloseDependencies computes closed(f) = direct(f) ∪ closed(c) for every
// callee c, in a single pass over topo (callees first).
func CloseDependencies(calls CallGraph, direct DependencyMatrix, topo []types.FunctionID) DependencyMatrix {
	closed := make(DependencyMatrix, len(topo))
	for _, f := range topo {
		set := direct.Get(f).Clone()
		if callees := calls[f]; callees != nil {
			callees.Each(func(c types.FunctionID) bool {
				if cs, ok := closed[c]; ok {
					cs.Each(func(v types.VarID) bool {
						set.Add(v)
						return false
					})
				}
				return false
			})
		}
		closed[f] = set
	}
	return closed
}
