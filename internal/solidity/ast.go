package solidity

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NodeKind tags the AST node types the planner cares about.
type NodeKind int

const (
	KindOther NodeKind = iota
	KindSourceUnit
	KindContract
	KindFunction
	KindModifier
	KindModifierInvocation
	KindVariable
	KindFunctionCall
	KindIdentifier
	KindMemberAccess
)

var kindByNodeType = map[string]NodeKind{
	"SourceUnit":          KindSourceUnit,
	"ContractDefinition":  KindContract,
	"FunctionDefinition":  KindFunction,
	"ModifierDefinition":  KindModifier,
	"ModifierInvocation":  KindModifierInvocation,
	"VariableDeclaration": KindVariable,
	"FunctionCall":        KindFunctionCall,
	"Identifier":          KindIdentifier,
	"MemberAccess":        KindMemberAccess,
}

// Node is one AST node. Only the attributes used downstream are kept.
type Node struct {
	ID       int64
	Kind     NodeKind
	NodeType string
	Name     string
	Parent   int64 // 0 for roots
	Children []int64

	// ContractDefinition
	ContractKind string
	Bases        []int64 // linearized, most derived first

	// FunctionDefinition
	FunctionKind  string // function, constructor, fallback, receive
	Visibility    string
	Selector      string // hex without 0x, empty when not externally callable
	ParamTypes    []string
	Implemented   bool
	BaseFunctions []int64 // declarations this function overrides

	// VariableDeclaration
	StateVariable bool
	Constant      bool
	Mutability    string // mutable, immutable, constant

	// Identifier, MemberAccess
	ReferencedDeclaration int64

	// FunctionCall: id of the called expression. MemberAccess: id of the
	// accessed expression.
	Expression int64

	// ModifierInvocation: referenced modifier definition
	ModifierRef int64
}

// Arena owns every node of a compilation, keyed by AST id. Nodes are
// ingested once; all queries afterwards are map lookups.
type Arena struct {
	nodes     map[int64]*Node
	contracts []*Node
}

func newArena() *Arena {
	return &Arena{nodes: make(map[int64]*Node)}
}

// Node returns the node with the given id.
func (a *Arena) Node(id int64) (*Node, bool) {
	n, ok := a.nodes[id]
	return n, ok
}

// Len returns the number of ingested nodes.
func (a *Arena) Len() int { return len(a.nodes) }

// Contracts returns contract definitions in source order, optionally
// filtered by kind (contract, library, interface).
func (a *Arena) Contracts(kind string) []*Node {
	if kind == "" {
		return a.contracts
	}
	var out []*Node
	for _, c := range a.contracts {
		if c.ContractKind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits id and its descendants depth-first in source order.
func (a *Arena) Walk(id int64, visit func(*Node)) {
	n, ok := a.nodes[id]
	if !ok {
		return
	}
	visit(n)
	for _, c := range n.Children {
		a.Walk(c, visit)
	}
}

func (a *Arena) ingest(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing AST")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal AST: %w", err)
	}
	_, err := a.visit(doc, 0)
	return err
}

// visit ingests v if it is a node and recurses into its fields. It returns
// the id of v when v is a node, otherwise 0.
func (a *Arena) visit(v any, parent int64) (int64, error) {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if _, err := a.visit(item, parent); err != nil {
				return 0, err
			}
		}
		return 0, nil
	case map[string]any:
		nodeType, _ := val["nodeType"].(string)
		idF, hasID := val["id"].(float64)
		if nodeType == "" || !hasID {
			// plain object such as typeDescriptions
			for _, k := range sortedKeys(val) {
				if _, err := a.visit(val[k], parent); err != nil {
					return 0, err
				}
			}
			return 0, nil
		}

		id := int64(idF)
		if _, dup := a.nodes[id]; dup {
			return 0, fmt.Errorf("duplicate AST node id %d", id)
		}
		n := &Node{ID: id, NodeType: nodeType, Kind: kindByNodeType[nodeType], Parent: parent}
		n.Name, _ = val["name"].(string)
		a.nodes[id] = n
		a.decorate(n, val)
		if n.Kind == KindContract {
			a.contracts = append(a.contracts, n)
		}
		if parent != 0 {
			if p, ok := a.nodes[parent]; ok {
				p.Children = append(p.Children, id)
			}
		}

		for _, k := range childKeys(nodeType, val) {
			if _, err := a.visit(val[k], id); err != nil {
				return 0, err
			}
		}
		return id, nil
	}
	return 0, nil
}

// childKeys orders the fields of a node so that declaration lists come
// first and in source order; remaining fields are sorted for determinism.
func childKeys(nodeType string, val map[string]any) []string {
	keys := sortedKeys(val)
	if nodeType != "SourceUnit" && nodeType != "ContractDefinition" {
		return keys
	}
	out := []string{"nodes"}
	for _, k := range keys {
		if k != "nodes" {
			out = append(out, k)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Arena) decorate(n *Node, val map[string]any) {
	switch n.Kind {
	case KindContract:
		n.ContractKind, _ = val["contractKind"].(string)
		n.Bases = int64s(val["linearizedBaseContracts"])
	case KindFunction:
		n.FunctionKind, _ = val["kind"].(string)
		n.Visibility, _ = val["visibility"].(string)
		n.Selector, _ = val["functionSelector"].(string)
		n.Implemented, _ = val["implemented"].(bool)
		n.BaseFunctions = int64s(val["baseFunctions"])
		if params, ok := val["parameters"].(map[string]any); ok {
			if list, ok := params["parameters"].([]any); ok {
				for _, p := range list {
					n.ParamTypes = append(n.ParamTypes, typeString(p))
				}
			}
		}
	case KindVariable:
		n.StateVariable, _ = val["stateVariable"].(bool)
		n.Constant, _ = val["constant"].(bool)
		n.Mutability, _ = val["mutability"].(string)
	case KindIdentifier:
		if ref, ok := val["referencedDeclaration"].(float64); ok {
			n.ReferencedDeclaration = int64(ref)
		}
	case KindMemberAccess:
		if ref, ok := val["referencedDeclaration"].(float64); ok {
			n.ReferencedDeclaration = int64(ref)
		}
		if expr, ok := val["expression"].(map[string]any); ok {
			if id, ok := expr["id"].(float64); ok {
				n.Expression = int64(id)
			}
		}
	case KindFunctionCall:
		if expr, ok := val["expression"].(map[string]any); ok {
			if id, ok := expr["id"].(float64); ok {
				n.Expression = int64(id)
			}
		}
	case KindModifierInvocation:
		if name, ok := val["modifierName"].(map[string]any); ok {
			if ref, ok := name["referencedDeclaration"].(float64); ok {
				n.ModifierRef = int64(ref)
			}
		}
	}
}

func typeString(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	td, ok := m["typeDescriptions"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := td["typeString"].(string)
	return s
}

func int64s(v any) []int64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}
