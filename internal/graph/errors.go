package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

var (
	ErrInvalidGraph    = errors.New("invalid call graph")
	ErrCyclicCallGraph = errors.New("cyclic call graph")
)

// GraphError wraps deterministic graph construction failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// CyclicCallGraphError reports a function participating in a call cycle.
// Cycle holds the witness path, starting and ending at Function.
type CyclicCallGraphError struct {
	Function types.FunctionID
	Name     string
	Cycle    []string
}

func (e *CyclicCallGraphError) Error() string {
	if len(e.Cycle) == 0 {
		return fmt.Sprintf("%s: function %s (id %d)", ErrCyclicCallGraph, e.Name, e.Function)
	}
	return fmt.Sprintf("%s: function %s (id %d): %s",
		ErrCyclicCallGraph, e.Name, e.Function, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicCallGraphError) Unwrap() error { return ErrCyclicCallGraph }
