// Package types contains public API types for the migration planner.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FunctionID identifies a function declaration (the AST node id).
type FunctionID int64

// VarID identifies a state variable declaration (the AST node id, which is
// also the astId of its storage layout entry).
type VarID int64

// Selector is the 4-byte ABI function selector.
type Selector [4]byte

// ParseSelector parses a selector from hex, with or without 0x prefix.
// Longer inputs (full calldata) are truncated to their first four bytes.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return sel, fmt.Errorf("invalid selector %q: %w", s, err)
	}
	if len(b) < 4 {
		return sel, fmt.Errorf("invalid selector %q: need 4 bytes, got %d", s, len(b))
	}
	copy(sel[:], b[:4])
	return sel, nil
}

// String returns the 0x-prefixed hex form.
func (s Selector) String() string {
	return hexutil.Encode(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Selector) UnmarshalText(text []byte) error {
	sel, err := ParseSelector(string(text))
	if err != nil {
		return err
	}
	*s = sel
	return nil
}

// FunctionDecl is a function as reported by the AST facade, before any graph
// analysis. Callees and StateRefs are raw references: they may point at
// declarations that are neither functions nor state variables.
type FunctionDecl struct {
	ID        FunctionID `json:"id"`
	Name      string     `json:"name"`
	Signature string     `json:"signature,omitempty"` // e.g. transfer(address,uint256)
	Selector  *Selector  `json:"selector,omitempty"`  // nil for internal/private functions
	Callees   []int64    `json:"callees,omitempty"`   // referenced declaration ids of call targets
	StateRefs []int64    `json:"stateRefs,omitempty"` // referenced declaration ids of identifiers
}

// TypeDescriptor is the normalized storage type of a state variable.
type TypeDescriptor struct {
	ID            string          `json:"id"` // canonical type id, e.g. t_mapping(t_address,t_uint256)
	Label         string          `json:"label"`
	Encoding      string          `json:"encoding"` // inplace, mapping, dynamic_array, bytes
	NumberOfBytes uint64          `json:"numberOfBytes"`
	Base          *TypeDescriptor `json:"base,omitempty"`
	Key           *TypeDescriptor `json:"key,omitempty"`
	Value         *TypeDescriptor `json:"value,omitempty"`
	Members       []StructMember  `json:"members,omitempty"`
	Recursive     bool            `json:"recursive,omitempty"` // back-reference to a type already being resolved
}

// StructMember is a member of a struct type, with its slot relative to the
// struct's base slot.
type StructMember struct {
	Label  string          `json:"label"`
	Slot   common.Hash     `json:"slot"`
	Offset uint64          `json:"offset"`
	Type   *TypeDescriptor `json:"type"`
}

// StateVariable is a persistent contract variable with its storage position.
type StateVariable struct {
	ID     VarID           `json:"id"`
	Label  string          `json:"label"`
	Slot   common.Hash     `json:"slot"`   // canonical 0x + 64 hex
	Offset uint64          `json:"offset"` // byte offset within the slot
	Type   *TypeDescriptor `json:"type,omitempty"`
}

// Less orders variables by slot, then offset, then id.
func (v StateVariable) Less(o StateVariable) bool {
	if c := v.Slot.Cmp(o.Slot); c != 0 {
		return c < 0
	}
	if v.Offset != o.Offset {
		return v.Offset < o.Offset
	}
	return v.ID < o.ID
}

// AdvisoryKind classifies non-fatal plan diagnostics.
type AdvisoryKind string

const (
	AdvisoryUnreachableVariable AdvisoryKind = "unreachable-variable"
	AdvisoryUnknownSelector     AdvisoryKind = "unknown-selector"
)

// Advisory is a non-fatal diagnostic attached to a plan.
type Advisory struct {
	Kind    AdvisoryKind `json:"kind"`
	Subject string       `json:"subject"` // variable label or selector
	Message string       `json:"message"`
}

// BatchArtifact is the serialized form of one batch.
type BatchArtifact struct {
	Index    int      `json:"index"`
	Slots    []string `json:"slots"`    // variable labels, in write order
	Activate []string `json:"activate"` // function names activated once this batch lands
}

// PriorityEntry reports one function's usage score.
type PriorityEntry struct {
	Function string `json:"function"`
	Selector string `json:"selector,omitempty"`
	Score    int    `json:"score"`
}

// SlotLocation is one absolute storage position written for a variable.
// Struct variables expand to one location per in-place member.
type SlotLocation struct {
	Path     string       `json:"path"`
	Slot     common.Hash  `json:"slot"`
	Offset   uint64       `json:"offset"`
	Encoding string       `json:"encoding,omitempty"`
	DataSlot *common.Hash `json:"dataSlot,omitempty"`
}

// DependencyMatrix is the human-readable closed dependency matrix:
// function name -> sorted variable labels.
type DependencyMatrix map[string][]string

// PlanStatus represents the outcome of a planning run.
type PlanStatus string

const (
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// PlanArtifact is the complete output of one planning run.
type PlanArtifact struct {
	ID            string           `json:"id"`
	Status        PlanStatus       `json:"status"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	DurationMs    int64            `json:"durationMs"`
	Contract      string           `json:"contract"`
	Address       string           `json:"address,omitempty"`
	ChainID       uint64           `json:"chainId,omitempty"`
	BlockNumber   uint64           `json:"blockNumber"`
	GasLimit      uint64           `json:"gasLimit"`
	GasPerSlot    uint64           `json:"gasPerSlot"`
	BatchCapacity int              `json:"batchCapacity"`
	HistoryFrom   uint64           `json:"historyFrom"`
	HistoryTo     uint64           `json:"historyTo"`
	TxSampled     int              `json:"txSampled"`
	FunctionCount int              `json:"functionCount"`
	VariableCount int              `json:"variableCount"`
	Priority      []PriorityEntry  `json:"priority"`
	WriteOrder    []string         `json:"writeOrder"`
	Dependencies  DependencyMatrix `json:"dependencies"`
	Batches       []BatchArtifact  `json:"batches"`
	Layout        []SlotLocation   `json:"layout,omitempty"`
	Advisories    []Advisory       `json:"advisories,omitempty"`

	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// PlanSummary is the list view of a stored plan.
type PlanSummary struct {
	ID            string     `json:"id"`
	Status        PlanStatus `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	Contract      string     `json:"contract"`
	Address       string     `json:"address,omitempty"`
	BlockNumber   uint64     `json:"blockNumber"`
	BatchCount    int        `json:"batchCount"`
	FunctionCount int        `json:"functionCount"`
	VariableCount int        `json:"variableCount"`
	Error         string     `json:"error,omitempty"`
	CustomName    *string    `json:"customName,omitempty"`
	IsFavorite    bool       `json:"isFavorite"`
}

// Summary returns the list view of the plan.
func (p *PlanArtifact) Summary() PlanSummary {
	return PlanSummary{
		ID:            p.ID,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		Contract:      p.Contract,
		Address:       p.Address,
		BlockNumber:   p.BlockNumber,
		BatchCount:    len(p.Batches),
		FunctionCount: p.FunctionCount,
		VariableCount: p.VariableCount,
		Error:         p.Error,
		CustomName:    p.CustomName,
		IsFavorite:    p.IsFavorite,
	}
}

// PlanRequest is the API request to run a planning pass.
// Zero values fall back to the server configuration.
type PlanRequest struct {
	Contract            string `json:"contract,omitempty"`
	Address             string `json:"address,omitempty"`
	GasPerSlot          uint64 `json:"gasPerSlot,omitempty"`
	GasLimit            uint64 `json:"gasLimit,omitempty"` // override the latest block's gas limit
	HistoryWindowBlocks uint64 `json:"historyWindowBlocks,omitempty"`
	MaxTransactions     int    `json:"maxTransactions,omitempty"`
}

// PlanEventType enumerates websocket event types.
type PlanEventType string

const (
	EventPlanStarted   PlanEventType = "plan_started"
	EventStageFinished PlanEventType = "stage_finished"
	EventPlanCompleted PlanEventType = "plan_completed"
	EventPlanFailed    PlanEventType = "plan_failed"
)

// PlanEvent is broadcast to websocket subscribers while plans run.
type PlanEvent struct {
	Type      PlanEventType   `json:"type"`
	PlanID    string          `json:"planId"`
	Stage     string          `json:"stage,omitempty"`
	Error     string          `json:"error,omitempty"`
	Summary   *PlanSummary    `json:"summary,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}
