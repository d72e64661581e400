package solidity

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gateway-fm/migrationplanner/internal/layout"
)

// CompilerMessage is one entry of the standard-JSON "errors" array.
type CompilerMessage struct {
	Severity         string `json:"severity"` // error, warning, info
	Type             string `json:"type"`
	Message          string `json:"message"`
	FormattedMessage string `json:"formattedMessage"`
}

// SourceOutput is the per-source part of the output.
type SourceOutput struct {
	ID  int             `json:"id"`
	AST json.RawMessage `json:"ast"`
}

// ContractOutput is the per-contract part of the output.
type ContractOutput struct {
	ABI json.RawMessage `json:"abi"`
	EVM struct {
		MethodIdentifiers map[string]string `json:"methodIdentifiers"`
	} `json:"evm"`
	StorageLayout *layout.RawLayout `json:"storageLayout"`
}

// Output is solc's standard-JSON output.
type Output struct {
	Errors    []CompilerMessage                    `json:"errors"`
	Sources   map[string]SourceOutput              `json:"sources"`
	Contracts map[string]map[string]ContractOutput `json:"contracts"`

	once     sync.Once
	arena    *Arena
	arenaErr error
}

// ParseOutput decodes a standard-JSON output document, failing on compiler
// errors.
func ParseOutput(r io.Reader) (*Output, error) {
	var out Output
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode compiler output: %w", err)
	}

	var errs []string
	for _, m := range out.Errors {
		if m.Severity == "error" {
			msg := m.FormattedMessage
			if msg == "" {
				msg = m.Message
			}
			errs = append(errs, strings.TrimSpace(msg))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("compilation failed: %s", strings.Join(errs, "; "))
	}
	if len(out.Sources) == 0 {
		return nil, fmt.Errorf("compiler output has no sources")
	}
	return &out, nil
}

// Warnings returns non-error compiler messages.
func (o *Output) Warnings() []CompilerMessage {
	var out []CompilerMessage
	for _, m := range o.Errors {
		if m.Severity != "error" {
			out = append(out, m)
		}
	}
	return out
}

// Arena returns the node arena over every source AST, built on first use.
func (o *Output) Arena() (*Arena, error) {
	o.once.Do(func() {
		names := make([]string, 0, len(o.Sources))
		for name := range o.Sources {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return o.Sources[names[i]].ID < o.Sources[names[j]].ID })

		a := newArena()
		for _, name := range names {
			if err := a.ingest(o.Sources[name].AST); err != nil {
				o.arenaErr = fmt.Errorf("source %s: %w", name, err)
				return
			}
		}
		o.arena = a
	})
	return o.arena, o.arenaErr
}

// Contract selects a contract by name. An empty name selects the only
// deployable contract, failing when there are several.
func (o *Output) Contract(name string) (*Contract, error) {
	a, err := o.Arena()
	if err != nil {
		return nil, err
	}

	var def *Node
	if name == "" {
		candidates := a.Contracts("contract")
		switch len(candidates) {
		case 0:
			return nil, fmt.Errorf("no deployable contract in compiler output")
		case 1:
			def = candidates[0]
		default:
			names := make([]string, len(candidates))
			for i, c := range candidates {
				names[i] = c.Name
			}
			return nil, fmt.Errorf("several contracts found, choose one of: %s", strings.Join(names, ", "))
		}
	} else {
		for _, c := range a.Contracts("") {
			if c.Name == name {
				def = c
				break
			}
		}
		if def == nil {
			return nil, fmt.Errorf("contract %q not found", name)
		}
	}

	var co ContractOutput
	found := false
	for _, bySource := range o.Contracts {
		if c, ok := bySource[def.Name]; ok {
			co = c
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("contract %q has no compiler artifacts", def.Name)
	}

	return newContract(a, def, co)
}
