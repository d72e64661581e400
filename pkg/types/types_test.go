package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "prefixed", in: "0xa9059cbb", want: "0xa9059cbb"},
		{name: "bare", in: "a9059cbb", want: "0xa9059cbb"},
		{name: "upper prefix", in: "0XA9059CBB", want: "0xa9059cbb"},
		{name: "calldata truncated", in: "0xa9059cbb000000000000000000000000000000000000000000000000000000000000002a", want: "0xa9059cbb"},
		{name: "too short", in: "0xa905", wantErr: true},
		{name: "odd length", in: "0xa9059cb", wantErr: true},
		{name: "not hex", in: "0xzzzzzzzz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSelector(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseSelector(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestSelectorJSON(t *testing.T) {
	sel := Selector{0xd0, 0xe3, 0x0d, 0xb0}
	decl := FunctionDecl{ID: 30, Name: "deposit", Selector: &sel}

	data, err := json.Marshal(decl)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"id":30,"name":"deposit","selector":"0xd0e30db0"}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	var back FunctionDecl
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Selector == nil || *back.Selector != sel {
		t.Errorf("Unmarshal() selector = %v, want %v", back.Selector, sel)
	}

	if err := json.Unmarshal([]byte(`{"selector":"0x12"}`), &back); err == nil {
		t.Error("Unmarshal() of a 1-byte selector succeeded, want error")
	}
}

func TestStateVariableLess(t *testing.T) {
	slot := func(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }
	tests := []struct {
		name string
		a, b StateVariable
		want bool
	}{
		{name: "lower slot", a: StateVariable{ID: 9, Slot: slot(0)}, b: StateVariable{ID: 1, Slot: slot(1)}, want: true},
		{name: "higher slot", a: StateVariable{ID: 1, Slot: slot(2)}, b: StateVariable{ID: 9, Slot: slot(1)}, want: false},
		{name: "same slot lower offset", a: StateVariable{ID: 9, Slot: slot(1), Offset: 0}, b: StateVariable{ID: 1, Slot: slot(1), Offset: 20}, want: true},
		{name: "same position lower id", a: StateVariable{ID: 1, Slot: slot(1)}, b: StateVariable{ID: 2, Slot: slot(1)}, want: true},
		{name: "equal", a: StateVariable{ID: 1, Slot: slot(1)}, b: StateVariable{ID: 1, Slot: slot(1)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("Less() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanSummary(t *testing.T) {
	name := "dry run"
	p := &PlanArtifact{
		ID:            "p-1",
		Status:        PlanStatusCompleted,
		Contract:      "Vault",
		FunctionCount: 4,
		VariableCount: 3,
		Batches:       []BatchArtifact{{Index: 0}, {Index: 1}},
		CustomName:    &name,
		IsFavorite:    true,
	}
	s := p.Summary()
	if s.BatchCount != 2 || s.FunctionCount != 4 || s.VariableCount != 3 {
		t.Errorf("Summary() counts = %d/%d/%d, want 2/4/3", s.BatchCount, s.FunctionCount, s.VariableCount)
	}
	if s.CustomName == nil || *s.CustomName != name || !s.IsFavorite {
		t.Errorf("Summary() metadata = %v/%v, want %q/true", s.CustomName, s.IsFavorite, name)
	}
}
