// Package solidity compiles Solidity sources with solc and answers structural
// questions about the result: declared functions, their call and state
// references, state variables, selectors and storage layout.
package solidity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
)

var versionRegexp = regexp.MustCompile(`[0-9]+\.[0-9]+\.[0-9]+`)

// Compiler invokes solc in standard-JSON mode.
type Compiler struct {
	solcPath    string
	version     string
	fullVersion string
	logger      *slog.Logger
}

// NewCompiler locates solc and records its version. An empty path means
// "solc" on PATH.
func NewCompiler(ctx context.Context, solcPath string, logger *slog.Logger) (*Compiler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if solcPath == "" {
		solcPath = "solc"
	}
	path, err := exec.LookPath(solcPath)
	if err != nil {
		return nil, fmt.Errorf("solc not found: %w", err)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run solc --version: %w", err)
	}

	c := &Compiler{
		solcPath:    path,
		fullVersion: out.String(),
		version:     versionRegexp.FindString(out.String()),
		logger:      logger,
	}
	logger.Debug("solc located", slog.String("path", path), slog.String("version", c.version))
	return c, nil
}

// Version returns the solc semantic version, e.g. 0.8.24.
func (c *Compiler) Version() string {
	return c.version
}

type standardInput struct {
	Language string                    `json:"language"`
	Sources  map[string]standardSource `json:"sources"`
	Settings standardSettings          `json:"settings"`
}

type standardSource struct {
	Content string `json:"content"`
}

type standardSettings struct {
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

// Compile compiles the source file and returns the parsed output. Compiler
// diagnostics of severity "error" fail the compilation.
func (c *Compiler) Compile(ctx context.Context, sourcePath string) (*Output, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("solc: empty source %s", sourcePath)
	}

	name := filepath.Base(sourcePath)
	input := standardInput{
		Language: "Solidity",
		Sources:  map[string]standardSource{name: {Content: string(content)}},
		Settings: standardSettings{
			OutputSelection: map[string]map[string][]string{
				"*": {
					"*": {"abi", "evm.methodIdentifiers", "storageLayout"},
					"":  {"ast"},
				},
			},
		},
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compiler input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.solcPath, "--standard-json", "--base-path", filepath.Dir(sourcePath))
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Info("compiling contract", slog.String("source", sourcePath), slog.String("solc", c.version))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("solc: %w\n%s", err, stderr.String())
	}

	out, err := ParseOutput(&stdout)
	if err != nil {
		return nil, err
	}
	for _, msg := range out.Warnings() {
		c.logger.Warn("solc warning", slog.String("message", msg.Message))
	}
	return out, nil
}
