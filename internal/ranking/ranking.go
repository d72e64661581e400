// Package ranking orders functions by how often they were called on-chain.
package ranking

import (
	"fmt"
	"slices"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// SelectorIndex resolves observed selectors to declared functions.
type SelectorIndex map[types.Selector]types.FunctionID

// NewSelectorIndex indexes every function that carries a selector.
// Two functions sharing a selector is an error; solc never emits that for a
// single contract.
func NewSelectorIndex(decls []types.FunctionDecl) (SelectorIndex, error) {
	idx := make(SelectorIndex, len(decls))
	for _, d := range decls {
		if d.Selector == nil {
			continue
		}
		if prev, dup := idx[*d.Selector]; dup {
			return nil, fmt.Errorf("selector %s claimed by functions %d and %d", d.Selector, prev, d.ID)
		}
		idx[*d.Selector] = d.ID
	}
	return idx, nil
}

// PriorityOrder is every function id, most used first.
type PriorityOrder []types.FunctionID

// Ranking is the result of Rank.
type Ranking struct {
	Order   PriorityOrder
	Scores  map[types.FunctionID]int
	Matched int                    // observed selectors that resolved to a function
	Ignored map[types.Selector]int // observed selectors with no matching function
}

// Rank scores each function by the number of observed selectors that resolve
// to it and orders by score descending. Equal scores keep declaration order.
// Functions with no selector always score zero.
func Rank(decls []types.FunctionDecl, index SelectorIndex, observed []types.Selector) Ranking {
	r := Ranking{
		Scores:  make(map[types.FunctionID]int, len(decls)),
		Ignored: make(map[types.Selector]int),
	}
	for _, d := range decls {
		r.Scores[d.ID] = 0
	}

	for _, sel := range observed {
		fn, ok := index[sel]
		if !ok {
			r.Ignored[sel]++
			continue
		}
		r.Scores[fn]++
		r.Matched++
	}

	r.Order = make(PriorityOrder, len(decls))
	for i, d := range decls {
		r.Order[i] = d.ID
	}
	slices.SortStableFunc(r.Order, func(a, b types.FunctionID) int {
		return r.Scores[b] - r.Scores[a]
	})
	return r
}

// IgnoredSelectors returns the unmatched selectors in ascending byte order.
func (r Ranking) IgnoredSelectors() []types.Selector {
	out := make([]types.Selector, 0, len(r.Ignored))
	for sel := range r.Ignored {
		out = append(out, sel)
	}
	slices.SortFunc(out, func(a, b types.Selector) int {
		return slices.Compare(a[:], b[:])
	})
	return out
}
