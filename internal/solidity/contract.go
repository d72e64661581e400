package solidity

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/migrationplanner/internal/layout"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// StateVarDecl is a state variable as declared in source.
type StateVarDecl struct {
	ID         types.VarID
	Name       string
	Contract   string // declaring contract
	Constant   bool
	Mutability string
}

// InStorage reports whether the variable occupies a storage slot.
func (d StateVarDecl) InStorage() bool {
	return !d.Constant && d.Mutability != "immutable" && d.Mutability != "constant"
}

// Contract is the facade over one compiled contract, including everything it
// inherits.
type Contract struct {
	Name      string
	arena     *Arena
	def       *Node
	abi       *abi.ABI
	methodIDs map[string]string
	layout    *layout.RawLayout
}

func newContract(a *Arena, def *Node, co ContractOutput) (*Contract, error) {
	c := &Contract{
		Name:      def.Name,
		arena:     a,
		def:       def,
		methodIDs: co.EVM.MethodIdentifiers,
		layout:    co.StorageLayout,
	}
	if len(co.ABI) > 0 && string(co.ABI) != "null" {
		parsed, err := abi.JSON(bytes.NewReader(co.ABI))
		if err != nil {
			return nil, fmt.Errorf("contract %s: failed to parse ABI: %w", def.Name, err)
		}
		c.abi = &parsed
	}
	return c, nil
}

// StorageLayout returns solc's storage layout for the contract.
func (c *Contract) StorageLayout() (*layout.RawLayout, error) {
	if c.layout == nil {
		return nil, fmt.Errorf("contract %s: compiler output has no storageLayout", c.Name)
	}
	return c.layout, nil
}

// lineage returns the contract and its bases, most base first.
func (c *Contract) lineage() []*Node {
	if len(c.def.Bases) == 0 {
		return []*Node{c.def}
	}
	out := make([]*Node, 0, len(c.def.Bases))
	for i := len(c.def.Bases) - 1; i >= 0; i-- {
		if n, ok := c.arena.Node(c.def.Bases[i]); ok {
			out = append(out, n)
		}
	}
	return out
}

// ListStateVariables returns every state variable declaration visible in the
// contract, bases first, in declaration order. Constants and immutables are
// included; use InStorage to filter them.
func (c *Contract) ListStateVariables() []StateVarDecl {
	var out []StateVarDecl
	for _, contract := range c.lineage() {
		for _, id := range contract.Children {
			n, _ := c.arena.Node(id)
			if n == nil || n.Kind != KindVariable || !n.StateVariable {
				continue
			}
			out = append(out, StateVarDecl{
				ID:         types.VarID(n.ID),
				Name:       n.Name,
				Contract:   contract.Name,
				Constant:   n.Constant,
				Mutability: n.Mutability,
			})
		}
	}
	return out
}

// ListFunctions returns the contract's functions (kind "function" only), bases
// first, in declaration order. An override takes the position of the function
// it overrides, and calls that named the overridden declaration are
// redirected to the override, since that is what the call dispatches to.
// super calls inline the body of the overridden declaration. Each declaration
// carries its raw call targets and identifier references, including those of
// the modifiers it invokes.
func (c *Contract) ListFunctions() ([]types.FunctionDecl, error) {
	var out []listing
	byKey := make(map[string]int)
	byID := make(map[int64]int)
	alias := make(map[int64]int64)
	replaced := make(map[int64]listing)
	modifiers := c.modifiers()

	for _, contract := range c.lineage() {
		for _, id := range contract.Children {
			n, _ := c.arena.Node(id)
			if n == nil || n.Kind != KindFunction || n.FunctionKind != "function" {
				continue
			}
			if !n.Implemented && contract.ContractKind == "interface" {
				continue
			}

			l, err := c.describe(n, modifiers)
			if err != nil {
				return nil, err
			}

			i, ok := overriddenPosition(n, byKey, byID, alias)
			if !ok {
				i = len(out)
				out = append(out, l)
			} else {
				old := out[i].decl.ID
				replaced[int64(old)] = out[i]
				for from, to := range alias {
					if to == int64(old) {
						alias[from] = n.ID
					}
				}
				alias[int64(old)] = n.ID
				delete(byID, int64(old))
				out[i] = l
			}
			byID[n.ID] = i
			byKey[overrideKey(n)] = i
		}
	}

	decls := make([]types.FunctionDecl, len(out))
	for i, l := range out {
		d := l.decl
		d.Callees = slices.Clone(d.Callees)
		d.StateRefs = slices.Clone(d.StateRefs)
		inlineSupers(&d, l.supers, replaced, make(map[int64]bool))
		for j, callee := range d.Callees {
			if to, ok := alias[callee]; ok {
				d.Callees[j] = to
			}
		}
		d.Callees = dedupe(d.Callees)
		decls[i] = d
	}
	return decls, nil
}

// listing is a described function plus the super calls it makes.
type listing struct {
	decl   types.FunctionDecl
	supers []int64
}

// overriddenPosition finds the listed function n overrides: through the AST's
// baseFunctions first, then by selector or location-free signature.
func overriddenPosition(n *Node, byKey map[string]int, byID map[int64]int, alias map[int64]int64) (int, bool) {
	for _, base := range n.BaseFunctions {
		if to, ok := alias[base]; ok {
			base = to
		}
		if i, ok := byID[base]; ok {
			return i, true
		}
	}
	i, ok := byKey[overrideKey(n)]
	return i, ok
}

// overrideKey identifies a function across the inheritance chain. Data
// locations may change between a declaration and its override, so they are
// not part of the key.
func overrideKey(n *Node) string {
	if n.Selector != "" {
		return "0x" + strings.TrimPrefix(n.Selector, "0x")
	}
	params := make([]string, len(n.ParamTypes))
	for i, t := range n.ParamTypes {
		params[i] = stripLocation(t)
	}
	return n.Name + "(" + strings.Join(params, ",") + ")"
}

// inlineSupers merges the references of overridden declarations reached via
// super into d. A super target that was never overridden is an ordinary call.
func inlineSupers(d *types.FunctionDecl, supers []int64, replaced map[int64]listing, seen map[int64]bool) {
	for _, id := range supers {
		if seen[id] {
			continue
		}
		seen[id] = true
		base, ok := replaced[id]
		if !ok {
			d.Callees = append(d.Callees, id)
			continue
		}
		d.Callees = append(d.Callees, base.decl.Callees...)
		d.StateRefs = dedupe(append(d.StateRefs, base.decl.StateRefs...))
		inlineSupers(d, base.supers, replaced, seen)
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// modifiers maps each modifier name to its most derived definition.
func (c *Contract) modifiers() map[string]int64 {
	out := make(map[string]int64)
	for _, contract := range c.lineage() {
		for _, id := range contract.Children {
			if n, _ := c.arena.Node(id); n != nil && n.Kind == KindModifier {
				out[n.Name] = n.ID
			}
		}
	}
	return out
}

func (c *Contract) describe(fn *Node, modifiers map[string]int64) (listing, error) {
	decl := types.FunctionDecl{
		ID:   types.FunctionID(fn.ID),
		Name: fn.Name,
	}
	var supers []int64

	seenCall := make(map[int64]bool)
	seenRef := make(map[int64]bool)
	addCall := func(ref int64) {
		if ref != 0 && !seenCall[ref] {
			seenCall[ref] = true
			decl.Callees = append(decl.Callees, ref)
		}
	}
	collect := func(root int64) {
		c.arena.Walk(root, func(n *Node) {
			switch n.Kind {
			case KindFunctionCall:
				expr, ok := c.arena.Node(n.Expression)
				if !ok {
					return
				}
				switch expr.Kind {
				case KindIdentifier:
					addCall(expr.ReferencedDeclaration)
				case KindMemberAccess:
					if expr.ReferencedDeclaration == 0 {
						return
					}
					if base, ok := c.arena.Node(expr.Expression); ok && base.Kind == KindIdentifier && base.Name == "super" {
						supers = append(supers, expr.ReferencedDeclaration)
						return
					}
					// this.f() and calls into other contracts; the latter
					// stay unresolved
					addCall(expr.ReferencedDeclaration)
				}
			case KindIdentifier:
				if ref := n.ReferencedDeclaration; ref != 0 && !seenRef[ref] {
					seenRef[ref] = true
					decl.StateRefs = append(decl.StateRefs, ref)
				}
			}
		})
	}

	collect(fn.ID)
	// modifier bodies run as part of the function
	for _, id := range fn.Children {
		inv, _ := c.arena.Node(id)
		if inv == nil || inv.Kind != KindModifierInvocation {
			continue
		}
		mod, ok := c.arena.Node(inv.ModifierRef)
		if !ok || mod.Kind != KindModifier {
			continue
		}
		if derived, ok := modifiers[mod.Name]; ok {
			mod, _ = c.arena.Node(derived)
		}
		collect(mod.ID)
	}

	sel, sig, err := c.selectorFor(fn)
	if err != nil {
		return listing{}, err
	}
	decl.Selector = sel
	decl.Signature = sig
	return listing{decl: decl, supers: supers}, nil
}

// selectorFor resolves the selector of an externally visible function: the
// AST's functionSelector when present, otherwise the ABI method with the same
// name and arity, otherwise the signature rebuilt from parameter types,
// looked up in evm.methodIdentifiers or hashed.
func (c *Contract) selectorFor(fn *Node) (*types.Selector, string, error) {
	if fn.Visibility != "public" && fn.Visibility != "external" {
		return nil, "", nil
	}

	m := c.abiMethod(fn)
	sig := ""
	if m != nil {
		sig = m.Sig
	}

	switch {
	case fn.Selector != "":
		sel, err := types.ParseSelector(fn.Selector)
		if err != nil {
			return nil, "", fmt.Errorf("function %s: %w", fn.Name, err)
		}
		return &sel, sig, nil
	case m != nil:
		var sel types.Selector
		copy(sel[:], m.ID)
		return &sel, sig, nil
	}

	if sig = canonicalSignature(fn.Name, fn.ParamTypes); sig == "" {
		return nil, "", nil
	}
	if id, ok := c.methodIDs[sig]; ok {
		sel, err := types.ParseSelector(id)
		if err != nil {
			return nil, "", fmt.Errorf("function %s: %w", fn.Name, err)
		}
		return &sel, sig, nil
	}
	sel := SelectorOf(sig)
	return &sel, sig, nil
}

// abiMethod returns the ABI method matching fn by name and arity, or nil when
// there is none or the match is ambiguous.
func (c *Contract) abiMethod(fn *Node) *abi.Method {
	if c.abi == nil {
		return nil
	}
	var found *abi.Method
	for _, m := range c.abi.Methods {
		if m.RawName != fn.Name || len(m.Inputs) != len(fn.ParamTypes) {
			continue
		}
		if found != nil {
			return nil
		}
		found = &m
	}
	return found
}

// SelectorOf returns the first four bytes of keccak256(signature).
func SelectorOf(signature string) types.Selector {
	var sel types.Selector
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// canonicalSignature rebuilds name(t1,t2,...) from AST type strings. It
// returns "" when a parameter type has no elementary ABI form (structs,
// function types), since those need the tuple expansion only the ABI has.
func canonicalSignature(name string, paramTypes []string) string {
	parts := make([]string, len(paramTypes))
	for i, t := range paramTypes {
		abiType := abiTypeName(t)
		if abiType == "" {
			return ""
		}
		parts[i] = abiType
	}
	return name + "(" + strings.Join(parts, ",") + ")"
}

// stripLocation removes the data location from an AST type string.
func stripLocation(typeString string) string {
	t := typeString
	for _, loc := range []string{" storage ref", " storage pointer", " memory", " calldata", " storage"} {
		t = strings.TrimSuffix(t, loc)
	}
	return t
}

func abiTypeName(typeString string) string {
	t := stripLocation(typeString)
	switch {
	case t == "":
		return ""
	case strings.HasPrefix(t, "struct "), strings.HasPrefix(t, "function "), strings.HasPrefix(t, "mapping("):
		return ""
	case strings.HasPrefix(t, "contract "), strings.HasPrefix(t, "interface "):
		return "address"
	case strings.HasPrefix(t, "enum "):
		return "uint8"
	case t == "address payable":
		return "address"
	case t == "uint":
		return "uint256"
	case t == "int":
		return "int256"
	}
	return t
}
