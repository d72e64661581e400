package planner

import (
	"context"
	"fmt"
	"os"

	"github.com/gateway-fm/migrationplanner/internal/solidity"
)

// Source loads the contract a plan is computed for. An empty name selects
// the only deployable contract.
type Source interface {
	Load(ctx context.Context, contract string) (*solidity.Contract, error)
}

// CompileSource compiles a Solidity file with solc on every load, so edits
// to the file are picked up by the next plan.
type CompileSource struct {
	Compiler *solidity.Compiler
	Path     string
}

// Load compiles Path and selects the contract.
func (s *CompileSource) Load(ctx context.Context, contract string) (*solidity.Contract, error) {
	out, err := s.Compiler.Compile(ctx, s.Path)
	if err != nil {
		return nil, err
	}
	return out.Contract(contract)
}

// ArtifactSource reads solc standard-JSON output produced ahead of time,
// for hosts without a compiler.
type ArtifactSource struct {
	Path string
}

// Load parses the output file and selects the contract.
func (s *ArtifactSource) Load(ctx context.Context, contract string) (*solidity.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open compiler output: %w", err)
	}
	defer f.Close()

	out, err := solidity.ParseOutput(f)
	if err != nil {
		return nil, err
	}
	return out.Contract(contract)
}
