package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// ErrNotFound is returned when a plan does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the persistence interface for plan runs.
type Storage interface {
	SavePlan(ctx context.Context, plan *types.PlanArtifact) error
	GetPlan(ctx context.Context, id string) (*types.PlanArtifact, error)
	ListPlans(ctx context.Context, limit, offset int) (*PaginatedPlans, error)
	GetPlanBatches(ctx context.Context, id string) ([]types.BatchArtifact, error)
	DeletePlan(ctx context.Context, id string) error
	UpdatePlanMetadata(ctx context.Context, id string, update *PlanMetadataUpdate) error

	Close() error
}

// HistoryCache stores sampled selector histories so repeated plans against
// the same block window skip the chain scan. Entries are scoped by chain id
// and address.
type HistoryCache interface {
	SaveHistory(ctx context.Context, entry *HistoryEntry) error
	LoadHistory(ctx context.Context, key HistoryKey) (*HistoryEntry, error)
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)
}
