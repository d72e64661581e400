package planner

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/migrationplanner/internal/chain"
	"github.com/gateway-fm/migrationplanner/internal/metrics"
	"github.com/gateway-fm/migrationplanner/internal/schedule"
	"github.com/gateway-fm/migrationplanner/internal/storage"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

const vaultAddress = "0x00000000000000000000000000000000000000aa"

func vaultSource() Source {
	return &ArtifactSource{Path: "testdata/vault_output.json"}
}

func selector(t *testing.T, s string) types.Selector {
	t.Helper()
	sel, err := types.ParseSelector(s)
	if err != nil {
		t.Fatal(err)
	}
	return sel
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.PlanEvent
}

func (s *recordingSink) Broadcast(e types.PlanEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds() []types.PlanEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PlanEventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type countingProvider struct {
	chain.Provider
	scans atomic.Int32
}

func (p *countingProvider) RecentTransactions(ctx context.Context, addr common.Address, from, to uint64, limit int) ([]chain.Transaction, error) {
	p.scans.Add(1)
	return p.Provider.RecentTransactions(ctx, addr, from, to, limit)
}

// limitProvider records the limit each history request asked for.
type limitProvider struct {
	chain.Provider
	limits []int
}

func (p *limitProvider) RecentTransactions(ctx context.Context, addr common.Address, from, to uint64, limit int) ([]chain.Transaction, error) {
	p.limits = append(p.limits, limit)
	return p.Provider.RecentTransactions(ctx, addr, from, to, limit)
}

func assertBatches(t *testing.T, got, want []types.BatchArtifact) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("batches = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Index != want[i].Index ||
			!slices.Equal(got[i].Slots, want[i].Slots) ||
			!slices.Equal(got[i].Activate, want[i].Activate) {
			t.Errorf("batch %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRunOffline(t *testing.T) {
	p := New(Config{Source: vaultSource()})

	plan, err := p.Run(context.Background(), types.PlanRequest{GasLimit: 60000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if plan.Status != types.PlanStatusCompleted || plan.Contract != "Vault" {
		t.Errorf("plan = %s %s, want completed Vault", plan.Status, plan.Contract)
	}
	if plan.BatchCapacity != 2 || plan.GasPerSlot != DefaultGasPerSlot {
		t.Errorf("capacity = %d gasPerSlot = %d, want 2 and %d", plan.BatchCapacity, plan.GasPerSlot, DefaultGasPerSlot)
	}
	if plan.FunctionCount != 4 || plan.VariableCount != 3 {
		t.Errorf("counts = %d functions %d variables, want 4 and 3", plan.FunctionCount, plan.VariableCount)
	}

	wantDeps := types.DependencyMatrix{
		"deposit":  {"balances", "total"},
		"credit":   {"balances", "total"},
		"setOwner": {"owner"},
		"fee":      {},
	}
	for fn, want := range wantDeps {
		if got, ok := plan.Dependencies[fn]; !ok || !slices.Equal(got, want) {
			t.Errorf("Dependencies[%s] = %v, want %v", fn, got, want)
		}
	}

	if want := []string{"total", "balances", "owner"}; !slices.Equal(plan.WriteOrder, want) {
		t.Errorf("WriteOrder = %v, want %v", plan.WriteOrder, want)
	}
	assertBatches(t, plan.Batches, []types.BatchArtifact{
		{Index: 0, Slots: []string{"total", "balances"}, Activate: []string{"fee", "deposit", "credit"}},
		{Index: 1, Slots: []string{"owner"}, Activate: []string{"setOwner"}},
	})

	if len(plan.Advisories) != 0 {
		t.Errorf("Advisories = %+v, want none", plan.Advisories)
	}
	if len(plan.Layout) != 3 || plan.Layout[1].Path != "balances" || plan.Layout[1].Encoding != "mapping" {
		t.Errorf("Layout = %+v", plan.Layout)
	}
	if plan.TxSampled != 0 || plan.Address != "" {
		t.Errorf("offline plan sampled %d txs for %q", plan.TxSampled, plan.Address)
	}
}

func TestRunWithHistory(t *testing.T) {
	setOwner := selector(t, "0x13af4035")
	deposit := selector(t, "0xd0e30db0")
	provider := &countingProvider{Provider: &chain.StaticProvider{
		Block: chain.Block{Number: 1000, GasLimit: 30000},
		Transactions: []chain.Transaction{
			{BlockNumber: 999, Selector: selector(t, "0xdeadbeef")},
			{BlockNumber: 998, Selector: setOwner},
			{BlockNumber: 990, Selector: setOwner},
			{BlockNumber: 950, Selector: deposit},
			{BlockNumber: 920, Selector: setOwner},
			{BlockNumber: 800, Selector: deposit}, // outside the window
		},
	}}

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "plans.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg)
	sink := &recordingSink{}

	p := New(Config{
		Source:   vaultSource(),
		Chain:    provider,
		Cache:    store,
		Store:    store,
		Metrics:  m,
		Events:   sink,
		ChainID:  1,
		Defaults: Defaults{Address: vaultAddress},
	})

	plan, err := p.Run(context.Background(), types.PlanRequest{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if plan.BlockNumber != 1000 || plan.GasLimit != 30000 || plan.BatchCapacity != 1 {
		t.Errorf("block = %d gasLimit = %d capacity = %d", plan.BlockNumber, plan.GasLimit, plan.BatchCapacity)
	}
	if plan.HistoryFrom != 901 || plan.HistoryTo != 1000 || plan.TxSampled != 5 {
		t.Errorf("history = %d-%d sampled %d, want 901-1000 sampled 5", plan.HistoryFrom, plan.HistoryTo, plan.TxSampled)
	}
	if plan.Address != common.HexToAddress(vaultAddress).Hex() {
		t.Errorf("Address = %s", plan.Address)
	}

	wantPriority := []types.PriorityEntry{
		{Function: "setOwner", Selector: "0x13af4035", Score: 3},
		{Function: "deposit", Selector: "0xd0e30db0", Score: 1},
		{Function: "credit", Score: 0},
		{Function: "fee", Selector: "0xddca3f43", Score: 0},
	}
	if !slices.Equal(plan.Priority, wantPriority) {
		t.Errorf("Priority = %+v, want %+v", plan.Priority, wantPriority)
	}

	assertBatches(t, plan.Batches, []types.BatchArtifact{
		{Index: 0, Slots: []string{"owner"}, Activate: []string{"setOwner", "fee"}},
		{Index: 1, Slots: []string{"total"}, Activate: []string{}},
		{Index: 2, Slots: []string{"balances"}, Activate: []string{"deposit", "credit"}},
	})

	if len(plan.Advisories) != 1 || plan.Advisories[0].Kind != types.AdvisoryUnknownSelector || plan.Advisories[0].Subject != "0xdeadbeef" {
		t.Errorf("Advisories = %+v, want one unknown selector 0xdeadbeef", plan.Advisories)
	}

	stored, err := store.GetPlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if stored.Status != types.PlanStatusCompleted || len(stored.Batches) != 3 {
		t.Errorf("stored plan = %s with %d batches", stored.Status, len(stored.Batches))
	}

	evs := sink.kinds()
	if evs[0] != types.EventPlanStarted || evs[len(evs)-1] != types.EventPlanCompleted {
		t.Errorf("events = %v", evs)
	}
	stages := 0
	for _, e := range evs {
		if e == types.EventStageFinished {
			stages++
		}
	}
	if stages != 6 {
		t.Errorf("stage events = %d, want 6", stages)
	}

	if got := testutil.ToFloat64(m.PlansTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("plans completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AdvisoriesTotal.WithLabelValues(string(types.AdvisoryUnknownSelector))); got != 1 {
		t.Errorf("unknown selector advisories = %v, want 1", got)
	}

	// The same window is served from the cache.
	if _, err := p.Run(context.Background(), types.PlanRequest{}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if provider.scans.Load() != 1 {
		t.Errorf("chain scans = %d, want 1", provider.scans.Load())
	}
	if got := testutil.ToFloat64(m.HistoryCache.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
}

func TestRunMaxTransactions(t *testing.T) {
	setOwner := selector(t, "0x13af4035")
	deposit := selector(t, "0xd0e30db0")
	provider := &chain.StaticProvider{
		Block: chain.Block{Number: 50, GasLimit: 1_000_000},
		Transactions: []chain.Transaction{
			{BlockNumber: 50, Selector: deposit},
			{BlockNumber: 49, Selector: setOwner},
			{BlockNumber: 48, Selector: setOwner},
		},
	}
	p := New(Config{Source: vaultSource(), Chain: provider})

	plan, err := p.Run(context.Background(), types.PlanRequest{Address: vaultAddress, MaxTransactions: 1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if plan.TxSampled != 1 || plan.Priority[0].Function != "deposit" {
		t.Errorf("sampled %d, top = %s, want 1 and deposit", plan.TxSampled, plan.Priority[0].Function)
	}
	if plan.HistoryFrom != 0 || plan.HistoryTo != 50 {
		t.Errorf("history = %d-%d, want 0-50", plan.HistoryFrom, plan.HistoryTo)
	}
}

func TestRunPassesRequestLimitToProvider(t *testing.T) {
	provider := &limitProvider{Provider: &chain.StaticProvider{
		Block: chain.Block{Number: 50, GasLimit: 1_000_000},
	}}
	p := New(Config{
		Source:   vaultSource(),
		Chain:    provider,
		Defaults: Defaults{MaxTransactions: 100},
	})

	tests := []struct {
		name string
		max  int
		want int
	}{
		{name: "above provider default", max: 5000, want: 5000},
		{name: "default", max: 0, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider.limits = nil
			_, err := p.Run(context.Background(), types.PlanRequest{Address: vaultAddress, MaxTransactions: tt.max})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(provider.limits) != 1 || provider.limits[0] != tt.want {
				t.Errorf("provider limits = %v, want [%d]", provider.limits, tt.want)
			}
		})
	}
}

func TestRunFailures(t *testing.T) {
	chainErr := errors.New("node unavailable")

	tests := []struct {
		name    string
		cfg     Config
		req     types.PlanRequest
		wantIs  error
		wantMsg string
	}{
		{
			name:    "insufficient gas",
			cfg:     Config{Source: vaultSource()},
			req:     types.PlanRequest{GasLimit: 1000},
			wantIs:  schedule.ErrInsufficientGasBudget,
			wantMsg: "failed to schedule batches",
		},
		{
			name:    "chain error",
			cfg:     Config{Source: vaultSource(), Chain: &chain.StaticProvider{Err: chainErr}},
			req:     types.PlanRequest{Address: vaultAddress},
			wantIs:  chainErr,
			wantMsg: "failed to fetch latest block",
		},
		{
			name:    "missing contract",
			cfg:     Config{Source: &ArtifactSource{Path: "testdata/missing.json"}},
			req:     types.PlanRequest{GasLimit: 60000},
			wantMsg: "failed to load contract",
		},
		{
			name:    "unknown contract name",
			cfg:     Config{Source: vaultSource()},
			req:     types.PlanRequest{Contract: "Token", GasLimit: 60000},
			wantMsg: `contract "Token" not found`,
		},
		{
			name:    "invalid address",
			cfg:     Config{Source: vaultSource(), Chain: &chain.StaticProvider{}},
			req:     types.PlanRequest{Address: "0x1234"},
			wantMsg: "invalid contract address",
		},
		{
			name:    "no gas limit offline",
			cfg:     Config{Source: vaultSource()},
			wantMsg: "gas limit is required",
		},
		{
			name:    "address offline",
			cfg:     Config{Source: vaultSource()},
			req:     types.PlanRequest{Address: vaultAddress, GasLimit: 60000},
			wantMsg: "needs a chain provider",
		},
		{
			name:    "no source",
			cfg:     Config{},
			wantMsg: "no contract source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			tt.cfg.Events = sink
			plan, err := New(tt.cfg).Run(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Run() error = nil")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("Run() error = %v, want errors.Is %v", err, tt.wantIs)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Run() error = %q, want it to contain %q", err, tt.wantMsg)
			}
			if plan == nil || plan.Status != types.PlanStatusFailed || plan.Error != err.Error() {
				t.Fatalf("plan = %+v, want failed envelope", plan)
			}
			if plan.Batches != nil || plan.Dependencies != nil {
				t.Errorf("failed plan carries partial results: %+v", plan)
			}
			evs := sink.kinds()
			if evs[len(evs)-1] != types.EventPlanFailed {
				t.Errorf("last event = %s, want %s", evs[len(evs)-1], types.EventPlanFailed)
			}
		})
	}
}

func TestRunPersistsFailedPlan(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "plans.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := New(Config{Source: vaultSource(), Store: store})
	plan, err := p.Run(context.Background(), types.PlanRequest{GasLimit: 10})
	if err == nil {
		t.Fatal("Run() error = nil")
	}

	stored, err := store.GetPlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if stored.Status != types.PlanStatusFailed || stored.Error == "" {
		t.Errorf("stored plan = %s %q, want failed with error", stored.Status, stored.Error)
	}
}

func TestRunDeterministic(t *testing.T) {
	p := New(Config{Source: vaultSource()})
	req := types.PlanRequest{GasLimit: 30000}

	first, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if again.ID == first.ID {
			t.Error("plan ids repeat")
		}
		if !slices.Equal(again.WriteOrder, first.WriteOrder) {
			t.Errorf("WriteOrder = %v, want %v", again.WriteOrder, first.WriteOrder)
		}
		assertBatches(t, again.Batches, first.Batches)
	}
}

func TestWithDefaults(t *testing.T) {
	p := New(Config{Defaults: Defaults{Contract: "Vault", GasLimit: 90000}})

	got := p.withDefaults(types.PlanRequest{GasPerSlot: 20000})
	want := types.PlanRequest{
		Contract:            "Vault",
		GasPerSlot:          20000,
		GasLimit:            90000,
		HistoryWindowBlocks: DefaultHistoryWindowBlocks,
		MaxTransactions:     chain.DefaultMaxTransactions,
	}
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestAssemblerOverloadedLabels(t *testing.T) {
	decls := []types.FunctionDecl{
		{ID: 1, Name: "mint", Signature: "mint(uint256)"},
		{ID: 2, Name: "mint", Signature: "mint(address,uint256)"},
		{ID: 3, Name: "mint"},
		{ID: 4, Name: "burn", Signature: "burn(uint256)"},
	}
	vars := []types.StateVariable{
		{ID: 10, Label: "supply"},
		{ID: 11, Label: "owner"},
		{ID: 12, Label: "owner"},
	}
	a := newAssembler(decls, vars)

	if got, want := a.functions([]types.FunctionID{1, 2, 3, 4}), []string{"mint(uint256)", "mint(address,uint256)", "mint#3", "burn"}; !slices.Equal(got, want) {
		t.Errorf("functions() = %v, want %v", got, want)
	}
	if got, want := a.variables([]types.VarID{10, 11, 12}), []string{"supply", "owner#11", "owner#12"}; !slices.Equal(got, want) {
		t.Errorf("variables() = %v, want %v", got, want)
	}
}
