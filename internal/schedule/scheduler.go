package schedule

import (
	"math"
	"slices"

	"github.com/gateway-fm/migrationplanner/internal/graph"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// Batch is one initialization transaction: the slots it writes and the
// functions that become callable once it lands.
type Batch struct {
	Index       int
	Slots       []types.VarID
	Activations []types.FunctionID
}

// Plan is the ordered batch sequence.
type Plan struct {
	Capacity int
	Batches  []Batch
}

// SlotCount returns the total number of slots across all batches.
func (p *Plan) SlotCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Slots)
	}
	return n
}

// ActivationBatch returns the index of the batch that activates fn.
func (p *Plan) ActivationBatch(fn types.FunctionID) (int, bool) {
	for _, b := range p.Batches {
		if slices.Contains(b.Activations, fn) {
			return b.Index, true
		}
	}
	return 0, false
}

// Capacity returns how many slots fit in one batch: floor(gasLimit / gasPerSlot).
func Capacity(gasLimit, gasPerSlot uint64) (int, error) {
	if gasPerSlot == 0 {
		return 0, &InsufficientGasBudgetError{GasLimit: gasLimit, GasPerSlot: gasPerSlot}
	}
	c := gasLimit / gasPerSlot
	if c < 1 {
		return 0, &InsufficientGasBudgetError{GasLimit: gasLimit, GasPerSlot: gasPerSlot}
	}
	if c > math.MaxInt32 {
		c = math.MaxInt32
	}
	return int(c), nil
}

// Schedule packs order into batches of at most capacity slots.
//
// After each variable is appended to the open batch, every pending function
// whose closure is now fully written is activated in that batch, in the order
// of functions. The batch closes when it reaches capacity. Once the order is
// exhausted a final activation pass runs and a non-empty open batch is kept.
// A function still pending at that point fails with UnresolvedDependencyError.
func Schedule(order WriteOrder, closed graph.DependencyMatrix, functions []types.FunctionID, capacity int) (*Plan, error) {
	if capacity < 1 {
		return nil, &InsufficientGasBudgetError{}
	}

	// Per function, the number of closure variables not yet written; per
	// variable, the functions waiting on it.
	remaining := make([]int, len(functions))
	waiting := make(map[types.VarID][]int)
	var ready []int
	for i, f := range functions {
		deps := closed.Get(f)
		remaining[i] = deps.Cardinality()
		if remaining[i] == 0 {
			ready = append(ready, i)
		}
		deps.Each(func(v types.VarID) bool {
			waiting[v] = append(waiting[v], i)
			return false
		})
	}

	plan := &Plan{Capacity: capacity}
	pending := len(functions)
	current := Batch{Index: 0}
	written := make(map[types.VarID]struct{}, len(order))

	scan := func() {
		if len(ready) == 0 {
			return
		}
		slices.Sort(ready)
		for _, i := range ready {
			current.Activations = append(current.Activations, functions[i])
		}
		pending -= len(ready)
		ready = ready[:0]
	}

	for _, v := range order {
		current.Slots = append(current.Slots, v)
		if _, dup := written[v]; !dup {
			written[v] = struct{}{}
			for _, i := range waiting[v] {
				remaining[i]--
				if remaining[i] == 0 {
					ready = append(ready, i)
				}
			}
		}
		scan()

		if len(current.Slots) == capacity {
			plan.Batches = append(plan.Batches, current)
			current = Batch{Index: current.Index + 1}
		}
	}

	if len(current.Slots) > 0 || pending > 0 {
		scan()
		if len(current.Slots) > 0 || len(current.Activations) > 0 {
			plan.Batches = append(plan.Batches, current)
		}
	}

	if pending > 0 {
		for i, f := range functions {
			if remaining[i] == 0 {
				continue
			}
			var missing []types.VarID
			for _, v := range closed.Sorted(f) {
				if _, ok := written[v]; !ok {
					missing = append(missing, v)
				}
			}
			return nil, &UnresolvedDependencyError{Function: f, Missing: missing}
		}
	}

	return plan, nil
}
