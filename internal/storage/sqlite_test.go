package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	storage, err := NewSQLiteStorage(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func samplePlan(id string, created time.Time) *types.PlanArtifact {
	return &types.PlanArtifact{
		ID:            id,
		Status:        types.PlanStatusCompleted,
		CreatedAt:     created,
		Contract:      "Vault",
		Address:       "0x00000000000000000000000000000000000000aA",
		ChainID:       1,
		BlockNumber:   1000,
		GasLimit:      30_000_000,
		GasPerSlot:    30_000,
		BatchCapacity: 1000,
		FunctionCount: 2,
		VariableCount: 2,
		Priority:      []types.PriorityEntry{{Function: "deposit", Selector: "0xd0e30db0", Score: 3}},
		WriteOrder:    []string{"balances", "owner"},
		Dependencies:  types.DependencyMatrix{"deposit": {"balances"}, "setOwner": {"owner"}},
		Batches: []types.BatchArtifact{
			{Index: 0, Slots: []string{"balances"}, Activate: []string{"deposit"}},
			{Index: 1, Slots: []string{"owner"}, Activate: []string{"setOwner"}},
		},
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"plans", true},
		{"custom_name", true},
		{"", false},
		{"plans; DROP TABLE plans", false},
		{"name'", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := isValidIdentifier(tt.in); got != tt.want {
				t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestColumnExists(t *testing.T) {
	s := createTestStorage(t)

	if !s.columnExists("plans", "custom_name") {
		t.Error("expected plans.custom_name to exist after migration")
	}
	if s.columnExists("plans", "nope") {
		t.Error("expected plans.nope not to exist")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := createTestStorage(t)
	if err := s.migrate(); err != nil {
		t.Errorf("second migrate() error = %v", err)
	}
}

func TestSaveAndGetPlan(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	plan := samplePlan("p1", time.Now().Truncate(time.Second))
	if err := s.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan() error = %v", err)
	}

	got, err := s.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.Contract != "Vault" || got.BatchCapacity != 1000 || len(got.Batches) != 2 {
		t.Errorf("GetPlan() = %+v", got)
	}
	if got.Dependencies["deposit"][0] != "balances" {
		t.Errorf("Dependencies = %v", got.Dependencies)
	}

	batches, err := s.GetPlanBatches(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlanBatches() error = %v", err)
	}
	if len(batches) != 2 || batches[1].Slots[0] != "owner" || batches[1].Activate[0] != "setOwner" {
		t.Errorf("GetPlanBatches() = %+v", batches)
	}
}

func TestSavePlanReplacesBatches(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	plan := samplePlan("p1", time.Now())
	if err := s.SavePlan(ctx, plan); err != nil {
		t.Fatal(err)
	}
	plan.Batches = plan.Batches[:1]
	plan.Batches[0].Slots = []string{"balances", "owner"}
	if err := s.SavePlan(ctx, plan); err != nil {
		t.Fatal(err)
	}

	batches, err := s.GetPlanBatches(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || len(batches[0].Slots) != 2 {
		t.Errorf("GetPlanBatches() = %+v, want one batch with two slots", batches)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	s := createTestStorage(t)
	_, err := s.GetPlan(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPlan() error = %v, want ErrNotFound", err)
	}
}

func TestListPlans(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SavePlan(ctx, samplePlan(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	failed := samplePlan("d", base.Add(10*time.Minute))
	failed.Status = types.PlanStatusFailed
	failed.Error = "cyclic call graph"
	failed.Batches = nil
	if err := s.SavePlan(ctx, failed); err != nil {
		t.Fatal(err)
	}

	page, err := s.ListPlans(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	if page.Total != 4 || len(page.Plans) != 2 {
		t.Fatalf("ListPlans() total=%d len=%d, want 4 and 2", page.Total, len(page.Plans))
	}
	if page.Plans[0].ID != "d" || page.Plans[0].Error != "cyclic call graph" || page.Plans[0].Status != types.PlanStatusFailed {
		t.Errorf("first plan = %+v, want newest failed plan d", page.Plans[0])
	}
	if page.Plans[1].ID != "c" || page.Plans[1].BatchCount != 2 {
		t.Errorf("second plan = %+v", page.Plans[1])
	}

	page, err = s.ListPlans(ctx, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Plans) != 1 || page.Plans[0].ID != "a" {
		t.Errorf("offset page = %+v", page.Plans)
	}
}

func TestFavoritesSortFirst(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	s.SavePlan(ctx, samplePlan("old", base))
	s.SavePlan(ctx, samplePlan("new", base.Add(time.Minute)))

	fav := true
	name := "pre-upgrade dry run"
	if err := s.UpdatePlanMetadata(ctx, "old", &PlanMetadataUpdate{IsFavorite: &fav, CustomName: &name}); err != nil {
		t.Fatalf("UpdatePlanMetadata() error = %v", err)
	}

	page, err := s.ListPlans(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Plans[0].ID != "old" || !page.Plans[0].IsFavorite {
		t.Errorf("first plan = %+v, want favorite old", page.Plans[0])
	}

	got, err := s.GetPlan(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if got.CustomName == nil || *got.CustomName != name || !got.IsFavorite {
		t.Errorf("GetPlan() metadata = %v %v", got.CustomName, got.IsFavorite)
	}
}

func TestUpdatePlanMetadata(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()
	s.SavePlan(ctx, samplePlan("p1", time.Now()))

	tests := []struct {
		name    string
		id      string
		update  *PlanMetadataUpdate
		wantErr error
	}{
		{name: "no fields", id: "p1", update: &PlanMetadataUpdate{}},
		{name: "missing plan", id: "nope", update: &PlanMetadataUpdate{IsFavorite: new(bool)}, wantErr: ErrNotFound},
		{name: "unfavorite", id: "p1", update: &PlanMetadataUpdate{IsFavorite: new(bool)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdatePlanMetadata(ctx, tt.id, tt.update)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UpdatePlanMetadata() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeletePlanCascades(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()
	s.SavePlan(ctx, samplePlan("p1", time.Now()))

	if err := s.DeletePlan(ctx, "p1"); err != nil {
		t.Fatalf("DeletePlan() error = %v", err)
	}
	if _, err := s.GetPlan(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPlan() after delete error = %v", err)
	}
	batches, err := s.GetPlanBatches(ctx, "p1")
	if err != nil || len(batches) != 0 {
		t.Errorf("GetPlanBatches() after delete = %v, %v", batches, err)
	}
	if err := s.DeletePlan(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeletePlan() error = %v, want ErrNotFound", err)
	}
}
