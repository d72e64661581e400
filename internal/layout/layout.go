// Package layout normalizes the storage layout emitted by solc into flat
// state variable records with canonical 256-bit slot positions.
package layout

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// Storage encodings reported by solc.
const (
	EncodingInplace      = "inplace"
	EncodingMapping      = "mapping"
	EncodingDynamicArray = "dynamic_array"
	EncodingBytes        = "bytes"
)

// RawLayout is solc's storageLayout output for one contract.
type RawLayout struct {
	Storage []RawEntry         `json:"storage"`
	Types   map[string]RawType `json:"types"`
}

// RawEntry is one storage entry or struct member.
type RawEntry struct {
	AstID    int64  `json:"astId"`
	Contract string `json:"contract"`
	Label    string `json:"label"`
	Offset   uint64 `json:"offset"`
	Slot     string `json:"slot"` // decimal
	Type     string `json:"type"`
}

// RawType is an entry of the storageLayout type dictionary.
type RawType struct {
	Encoding      string     `json:"encoding"`
	Label         string     `json:"label"`
	NumberOfBytes string     `json:"numberOfBytes"`
	Base          string     `json:"base,omitempty"`
	Key           string     `json:"key,omitempty"`
	Value         string     `json:"value,omitempty"`
	Members       []RawEntry `json:"members,omitempty"`
}

// ParseRaw decodes a storageLayout JSON document.
func ParseRaw(data []byte) (*RawLayout, error) {
	var raw RawLayout
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage layout: %w", err)
	}
	return &raw, nil
}

// solc suffixes struct type ids with the AST id of the struct definition,
// which differs between compilations of otherwise identical layouts.
var structIDPattern = regexp.MustCompile(`t_struct\((.*?)\)[a-zA-Z0-9]+_storage`)

// CanonicalTypeID strips the AST id from struct type ids:
// t_struct(Position)12_storage becomes t_struct(Position)_storage.
func CanonicalTypeID(id string) string {
	return structIDPattern.ReplaceAllString(id, "t_struct($1)_storage")
}

// ParseSlot converts a decimal slot number into its canonical 32-byte form.
func ParseSlot(decimal string) (common.Hash, error) {
	if decimal == "" {
		return common.Hash{}, fmt.Errorf("empty slot")
	}
	n, err := uint256.FromDecimal(decimal)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid slot %q: %w", decimal, err)
	}
	return common.Hash(n.Bytes32()), nil
}

// AddSlots returns base + delta modulo 2^256.
func AddSlots(base, delta common.Hash) common.Hash {
	a := new(uint256.Int).SetBytes32(base[:])
	b := new(uint256.Int).SetBytes32(delta[:])
	return common.Hash(a.Add(a, b).Bytes32())
}

// DataSlot is where the elements of a dynamic array (or long bytes) stored
// at slot begin: keccak256(slot).
func DataSlot(slot common.Hash) common.Hash {
	return crypto.Keccak256Hash(slot[:])
}

// Normalizer resolves a raw layout into state variables. It is not safe for
// concurrent use; create one per layout.
type Normalizer struct {
	raw      *RawLayout
	resolved map[string]*types.TypeDescriptor
	visiting map[string]bool
}

// Normalize returns one record per top-level storage entry, in layout order.
func Normalize(raw *RawLayout) ([]types.StateVariable, error) {
	if raw == nil {
		return nil, nil
	}
	n := &Normalizer{
		raw:      raw,
		resolved: make(map[string]*types.TypeDescriptor, len(raw.Types)),
		visiting: make(map[string]bool),
	}

	vars := make([]types.StateVariable, 0, len(raw.Storage))
	for _, e := range raw.Storage {
		slot, err := ParseSlot(e.Slot)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", e.Label, err)
		}
		desc, err := n.Resolve(e.Type)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", e.Label, err)
		}
		vars = append(vars, types.StateVariable{
			ID:     types.VarID(e.AstID),
			Label:  e.Label,
			Slot:   slot,
			Offset: e.Offset,
			Type:   desc,
		})
	}
	return vars, nil
}

// Resolve returns the descriptor of typeID with nested types resolved. A type
// reached again while it is still being resolved yields a stub marked
// Recursive instead of recursing forever.
func (n *Normalizer) Resolve(typeID string) (*types.TypeDescriptor, error) {
	canonical := CanonicalTypeID(typeID)
	if d, ok := n.resolved[canonical]; ok {
		return d, nil
	}

	raw, ok := n.raw.Types[typeID]
	if !ok {
		return nil, fmt.Errorf("type %s not found in layout", typeID)
	}

	if n.visiting[canonical] {
		return &types.TypeDescriptor{ID: canonical, Label: raw.Label, Encoding: raw.Encoding, Recursive: true}, nil
	}
	n.visiting[canonical] = true
	defer delete(n.visiting, canonical)

	size, err := strconv.ParseUint(raw.NumberOfBytes, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("type %s: invalid numberOfBytes %q: %w", typeID, raw.NumberOfBytes, err)
	}

	d := &types.TypeDescriptor{
		ID:            canonical,
		Label:         raw.Label,
		Encoding:      raw.Encoding,
		NumberOfBytes: size,
	}

	if raw.Base != "" {
		if d.Base, err = n.Resolve(raw.Base); err != nil {
			return nil, err
		}
	}
	if raw.Key != "" {
		if d.Key, err = n.Resolve(raw.Key); err != nil {
			return nil, err
		}
	}
	if raw.Value != "" {
		if d.Value, err = n.Resolve(raw.Value); err != nil {
			return nil, err
		}
	}
	for _, m := range raw.Members {
		slot, err := ParseSlot(m.Slot)
		if err != nil {
			return nil, fmt.Errorf("type %s member %s: %w", typeID, m.Label, err)
		}
		mt, err := n.Resolve(m.Type)
		if err != nil {
			return nil, err
		}
		d.Members = append(d.Members, types.StructMember{
			Label:  m.Label,
			Slot:   slot,
			Offset: m.Offset,
			Type:   mt,
		})
	}

	n.resolved[canonical] = d
	return d, nil
}

// SlotSpan is the number of consecutive slots a value of this type occupies
// in place (at least one).
func SlotSpan(d *types.TypeDescriptor) uint64 {
	if d == nil || d.NumberOfBytes <= 32 {
		return 1
	}
	return (d.NumberOfBytes + 31) / 32
}

// Location is an absolute storage position reached from a state variable.
type Location struct {
	Path     string      `json:"path"` // e.g. position.owner
	Slot     common.Hash `json:"slot"`
	Offset   uint64      `json:"offset"`
	Encoding string      `json:"encoding"`
	DataSlot common.Hash `json:"dataSlot,omitempty"` // keccak(slot) for dynamic arrays and bytes
}

// Locations expands v into the absolute positions of its in-place struct
// members. Mappings, dynamic arrays and bytes stop at their head slot.
func Locations(v types.StateVariable) []Location {
	var out []Location
	var walk func(path string, slot common.Hash, offset uint64, d *types.TypeDescriptor)
	walk = func(path string, slot common.Hash, offset uint64, d *types.TypeDescriptor) {
		if d != nil && d.Encoding == EncodingInplace && len(d.Members) > 0 && !d.Recursive {
			for _, m := range d.Members {
				walk(path+"."+m.Label, AddSlots(slot, m.Slot), m.Offset, m.Type)
			}
			return
		}
		loc := Location{Path: path, Slot: slot, Offset: offset}
		if d != nil {
			loc.Encoding = d.Encoding
			if d.Encoding == EncodingDynamicArray || d.Encoding == EncodingBytes {
				loc.DataSlot = DataSlot(slot)
			}
		}
		out = append(out, loc)
	}
	walk(v.Label, v.Slot, v.Offset, v.Type)
	return out
}
