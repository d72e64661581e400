package schedule

import (
	"errors"
	"fmt"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

var (
	ErrInsufficientGasBudget = errors.New("insufficient gas budget")
	ErrUnresolvedDependency  = errors.New("unresolved dependency")
)

// InsufficientGasBudgetError means not even one slot fits in a block.
type InsufficientGasBudgetError struct {
	GasLimit   uint64
	GasPerSlot uint64
}

func (e *InsufficientGasBudgetError) Error() string {
	return fmt.Sprintf("%s: gas limit %d cannot fit a slot costing %d",
		ErrInsufficientGasBudget, e.GasLimit, e.GasPerSlot)
}

func (e *InsufficientGasBudgetError) Unwrap() error { return ErrInsufficientGasBudget }

// UnresolvedDependencyError reports a function still pending after every
// variable in the write order was scheduled.
type UnresolvedDependencyError struct {
	Function types.FunctionID
	Missing  []types.VarID
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("%s: function %d still waits on %d variables %v",
		ErrUnresolvedDependency, e.Function, len(e.Missing), e.Missing)
}

func (e *UnresolvedDependencyError) Unwrap() error { return ErrUnresolvedDependency }
