package solidity

import (
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/gateway-fm/migrationplanner/internal/graph"
	"github.com/gateway-fm/migrationplanner/internal/layout"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

func loadVault(t *testing.T) *Contract {
	t.Helper()
	return loadContract(t, "testdata/vault_output.json", "")
}

func loadContract(t *testing.T, path, name string) *Contract {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open fixture: %v", err)
	}
	defer f.Close()

	out, err := ParseOutput(f)
	if err != nil {
		t.Fatalf("ParseOutput() error = %v", err)
	}
	c, err := out.Contract(name)
	if err != nil {
		t.Fatalf("Contract(%q) error = %v", name, err)
	}
	return c
}

func TestParseOutputCompilerError(t *testing.T) {
	doc := `{"errors":[{"severity":"error","type":"ParserError","message":"Expected ';'","formattedMessage":"ParserError: Expected ';'"}]}`
	_, err := ParseOutput(strings.NewReader(doc))
	if err == nil || !strings.Contains(err.Error(), "Expected ';'") {
		t.Errorf("ParseOutput() error = %v, want compiler message", err)
	}
}

func TestContractSelection(t *testing.T) {
	f, err := os.Open("testdata/vault_output.json")
	if err != nil {
		t.Fatalf("failed to open fixture: %v", err)
	}
	defer f.Close()
	out, err := ParseOutput(f)
	if err != nil {
		t.Fatalf("ParseOutput() error = %v", err)
	}

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "Vault"},
		{name: "Vault", want: "Vault"},
		{name: "Missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("contract "+tt.name, func(t *testing.T) {
			c, err := out.Contract(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Error("Contract() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Contract() error = %v", err)
			}
			if c.Name != tt.want {
				t.Errorf("Name = %q, want %q", c.Name, tt.want)
			}
		})
	}

	if warnings := out.Warnings(); len(warnings) != 1 {
		t.Errorf("Warnings() = %d, want 1", len(warnings))
	}
}

func TestListFunctions(t *testing.T) {
	c := loadVault(t)

	fns, err := c.ListFunctions()
	if err != nil {
		t.Fatalf("ListFunctions() error = %v", err)
	}

	names := make([]string, len(fns))
	for i, f := range fns {
		names[i] = f.Name
	}
	if want := []string{"deposit", "credit", "setOwner", "fee"}; !slices.Equal(names, want) {
		t.Fatalf("ListFunctions() names = %v, want %v", names, want)
	}

	byName := make(map[string]types.FunctionDecl)
	for _, f := range fns {
		byName[f.Name] = f
	}

	tests := []struct {
		name         string
		wantSelector string
		wantSig      string
		wantCallees  []int64
		wantRefs     []int64 // must be contained in StateRefs
	}{
		{name: "deposit", wantSelector: "0xd0e30db0", wantSig: "deposit()", wantCallees: []int64{40}},
		{name: "credit", wantRefs: []int64{9, 5, 31}},
		{name: "setOwner", wantSelector: "0x13af4035", wantSig: "setOwner(address)", wantRefs: []int64{3, 48}},
		{name: "fee", wantSelector: "0xddca3f43", wantSig: "fee()", wantRefs: []int64{11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := byName[tt.name]
			gotSel := ""
			if f.Selector != nil {
				gotSel = f.Selector.String()
			}
			if gotSel != tt.wantSelector {
				t.Errorf("Selector = %q, want %q", gotSel, tt.wantSelector)
			}
			if f.Signature != tt.wantSig {
				t.Errorf("Signature = %q, want %q", f.Signature, tt.wantSig)
			}
			if tt.wantCallees != nil && !slices.Equal(f.Callees, tt.wantCallees) {
				t.Errorf("Callees = %v, want %v", f.Callees, tt.wantCallees)
			}
			for _, ref := range tt.wantRefs {
				if !slices.Contains(f.StateRefs, ref) {
					t.Errorf("StateRefs = %v, missing %d", f.StateRefs, ref)
				}
			}
		})
	}
}

func TestListStateVariables(t *testing.T) {
	c := loadVault(t)

	vars := c.ListStateVariables()
	if len(vars) != 4 {
		t.Fatalf("ListStateVariables() = %d vars, want 4", len(vars))
	}

	var stored []string
	for _, v := range vars {
		if v.InStorage() {
			stored = append(stored, v.Name)
		}
	}
	if want := []string{"owner", "total", "balances"}; !slices.Equal(stored, want) {
		t.Errorf("stored vars = %v, want %v", stored, want)
	}
}

func TestStorageLayout(t *testing.T) {
	c := loadVault(t)
	raw, err := c.StorageLayout()
	if err != nil {
		t.Fatalf("StorageLayout() error = %v", err)
	}
	if len(raw.Storage) != 3 {
		t.Errorf("Storage = %d entries, want 3", len(raw.Storage))
	}
}

func TestSelectorOf(t *testing.T) {
	tests := []struct {
		sig  string
		want string
	}{
		{sig: "transfer(address,uint256)", want: "0xa9059cbb"},
		{sig: "balanceOf(address)", want: "0x70a08231"},
		{sig: "approve(address,uint256)", want: "0x095ea7b3"},
	}
	for _, tt := range tests {
		t.Run(tt.sig, func(t *testing.T) {
			if got := SelectorOf(tt.sig).String(); got != tt.want {
				t.Errorf("SelectorOf(%q) = %s, want %s", tt.sig, got, tt.want)
			}
		})
	}
}

func TestCanonicalSignature(t *testing.T) {
	tests := []struct {
		name   string
		params []string
		want   string
	}{
		{name: "f", params: nil, want: "f()"},
		{name: "f", params: []string{"uint", "address payable", "string memory"}, want: "f(uint256,address,string)"},
		{name: "f", params: []string{"contract IERC20", "enum Vault.Kind"}, want: "f(address,uint8)"},
		{name: "f", params: []string{"uint256[] calldata", "bytes32"}, want: "f(uint256[],bytes32)"},
		{name: "f", params: []string{"struct Vault.Position memory"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := canonicalSignature(tt.name, tt.params); got != tt.want {
				t.Errorf("canonicalSignature(%v) = %q, want %q", tt.params, got, tt.want)
			}
		})
	}
}

func TestLineage(t *testing.T) {
	c := loadContract(t, "testdata/inherit_output.json", "Derived")

	var names []string
	for _, n := range c.lineage() {
		names = append(names, n.Name)
	}
	if want := []string{"IRated", "Base", "Derived"}; !slices.Equal(names, want) {
		t.Errorf("lineage() = %v, want %v", names, want)
	}
}

func TestListFunctionsOverrides(t *testing.T) {
	c := loadContract(t, "testdata/inherit_output.json", "Derived")

	fns, err := c.ListFunctions()
	if err != nil {
		t.Fatalf("ListFunctions() error = %v", err)
	}

	// Overrides keep the position of the base declaration; the interface
	// declaration is not listed.
	ids := make([]types.FunctionID, len(fns))
	for i, f := range fns {
		ids[i] = f.ID
	}
	if want := []types.FunctionID{320, 230, 340}; !slices.Equal(ids, want) {
		t.Fatalf("ListFunctions() ids = %v, want %v", ids, want)
	}

	selectors := make(map[types.Selector]bool)
	for _, f := range fns {
		if f.Selector == nil {
			t.Fatalf("%s has no selector", f.Name)
		}
		if selectors[*f.Selector] {
			t.Errorf("duplicate selector %s", f.Selector)
		}
		selectors[*f.Selector] = true
	}

	byName := make(map[string]types.FunctionDecl)
	for _, f := range fns {
		byName[f.Name] = f
	}

	tests := []struct {
		name          string
		wantSelector  string
		wantCallees   []int64 // must be contained in Callees
		absentCallees []int64
		wantRefs      []int64 // must be contained in StateRefs
		absentRefs    []int64
	}{
		{
			name:          "rate",
			wantSelector:  "0x2c4e722e",
			wantRefs:      []int64{310, 210}, // own body plus super.rate()
			absentCallees: []int64{220},
		},
		{
			name:          "collect",
			wantSelector:  "0xe5225381",
			wantCallees:   []int64{320},
			absentCallees: []int64{220},
			wantRefs:      []int64{311}, // overriding modifier
			absentRefs:    []int64{210},
		},
		{
			name:         "setLabel",
			wantSelector: "0xbf530969",
			wantRefs:     []int64{211, 310},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := byName[tt.name]
			if !ok {
				t.Fatalf("%s not listed", tt.name)
			}
			if got := f.Selector.String(); got != tt.wantSelector {
				t.Errorf("Selector = %s, want %s", got, tt.wantSelector)
			}
			for _, id := range tt.wantCallees {
				if !slices.Contains(f.Callees, id) {
					t.Errorf("Callees = %v, missing %d", f.Callees, id)
				}
			}
			for _, id := range tt.absentCallees {
				if slices.Contains(f.Callees, id) {
					t.Errorf("Callees = %v, should not contain %d", f.Callees, id)
				}
			}
			for _, ref := range tt.wantRefs {
				if !slices.Contains(f.StateRefs, ref) {
					t.Errorf("StateRefs = %v, missing %d", f.StateRefs, ref)
				}
			}
			for _, ref := range tt.absentRefs {
				if slices.Contains(f.StateRefs, ref) {
					t.Errorf("StateRefs = %v, should not contain %d", f.StateRefs, ref)
				}
			}
		})
	}
}

func TestInheritedClosures(t *testing.T) {
	c := loadContract(t, "testdata/inherit_output.json", "Derived")

	fns, err := c.ListFunctions()
	if err != nil {
		t.Fatalf("ListFunctions() error = %v", err)
	}
	raw, err := c.StorageLayout()
	if err != nil {
		t.Fatalf("StorageLayout() error = %v", err)
	}
	vars, err := layout.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	g, err := graph.Build(fns, vars)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		name string
		id   types.FunctionID
		want []types.VarID
	}{
		{name: "rate", id: 320, want: []types.VarID{210, 310}},
		{name: "collect", id: 230, want: []types.VarID{210, 310, 311}},
		{name: "setLabel", id: 340, want: []types.VarID{211, 310}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Closed().Sorted(tt.id); !slices.Equal(got, tt.want) {
				t.Errorf("closure = %v, want %v", got, tt.want)
			}
		})
	}

	topo := g.Topological()
	if slices.Index(topo, 320) > slices.Index(topo, 230) {
		t.Errorf("Topological() = %v, want rate (320) before collect (230)", topo)
	}
}

func TestOverrideKey(t *testing.T) {
	tests := []struct {
		name string
		a, b *Node
		same bool
	}{
		{
			name: "data location changes",
			a:    &Node{Name: "setLabel", ParamTypes: []string{"string calldata"}},
			b:    &Node{Name: "setLabel", ParamTypes: []string{"string memory"}},
			same: true,
		},
		{
			name: "selector wins over name",
			a:    &Node{Name: "rate", Selector: "2c4e722e"},
			b:    &Node{Name: "rate", Selector: "0x2c4e722e", ParamTypes: []string{"uint256"}},
			same: true,
		},
		{
			name: "different parameters",
			a:    &Node{Name: "f", ParamTypes: []string{"uint256"}},
			b:    &Node{Name: "f", ParamTypes: []string{"address"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := overrideKey(tt.a) == overrideKey(tt.b); got != tt.same {
				t.Errorf("overrideKey(%v) == overrideKey(%v) = %v, want %v", overrideKey(tt.a), overrideKey(tt.b), got, tt.same)
			}
		})
	}
}
