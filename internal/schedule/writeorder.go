// Package schedule turns a priority order and closed dependency matrix into a
// variable write order, then packs that order into gas-bounded batches.
package schedule

import (
	"cmp"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gateway-fm/migrationplanner/internal/graph"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// WriteOrder is the deduplicated sequence in which variables are written.
type WriteOrder []types.VarID

// Layout resolves variable ids to their storage records.
type Layout map[types.VarID]types.StateVariable

// NewLayout indexes vars by id.
func NewLayout(vars []types.StateVariable) Layout {
	l := make(Layout, len(vars))
	for _, v := range vars {
		l[v.ID] = v
	}
	return l
}

// sortByStorage orders ids by (slot, offset). Ids without a layout record go
// last, ascending by id.
func (l Layout) sortByStorage(ids []types.VarID) {
	slices.SortFunc(ids, func(a, b types.VarID) int {
		va, okA := l[a]
		vb, okB := l[b]
		switch {
		case okA && okB:
			if va.Less(vb) {
				return -1
			}
			if vb.Less(va) {
				return 1
			}
			return 0
		case okA:
			return -1
		case okB:
			return 1
		}
		return cmp.Compare(a, b)
	})
}

// BuildWriteOrder walks functions in priority order and appends each
// function's closure, sorted by storage position, skipping variables that
// are already placed. Every variable in any closure appears exactly once.
func BuildWriteOrder(priority []types.FunctionID, closed graph.DependencyMatrix, layout Layout) WriteOrder {
	placed := mapset.NewThreadUnsafeSet[types.VarID]()
	order := make(WriteOrder, 0)
	for _, f := range priority {
		vars := closed.Get(f).ToSlice()
		layout.sortByStorage(vars)
		for _, v := range vars {
			if placed.Add(v) {
				order = append(order, v)
			}
		}
	}
	return order
}

// UnreachableVariables returns declared variables that no function depends
// on, in storage order. They are never scheduled.
func UnreachableVariables(vars []types.StateVariable, closed graph.DependencyMatrix) []types.VarID {
	reachable := mapset.NewThreadUnsafeSet[types.VarID]()
	for _, set := range closed {
		reachable = reachable.Union(set)
	}

	var out []types.VarID
	for _, v := range vars {
		if !reachable.Contains(v.ID) {
			out = append(out, v.ID)
		}
	}
	NewLayout(vars).sortByStorage(out)
	return out
}
