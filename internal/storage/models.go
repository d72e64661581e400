// Package storage persists plan runs and cached chain history in SQLite.
package storage

import (
	"time"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// PlanMetadataUpdate represents an update to plan metadata (name/favorite).
type PlanMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// PaginatedPlans represents a paginated list of plan summaries.
type PaginatedPlans struct {
	Plans  []types.PlanSummary `json:"plans"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// HistoryKey identifies one sampled window.
type HistoryKey struct {
	ChainID   uint64
	Address   string // checksummed hex
	FromBlock uint64
	ToBlock   uint64
	Limit     int
}

// HistoryEntry is a cached list of observed selectors, newest first.
type HistoryEntry struct {
	HistoryKey
	Selectors []types.Selector
	FetchedAt time.Time
}
