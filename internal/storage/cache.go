package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// SaveHistory stores or replaces a history entry.
func (s *SQLiteStorage) SaveHistory(ctx context.Context, entry *HistoryEntry) error {
	selectors, err := json.Marshal(entry.Selectors)
	if err != nil {
		return fmt.Errorf("failed to marshal selectors: %w", err)
	}
	fetchedAt := entry.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO selector_history (chain_id, address, from_block, to_block, tx_limit, selectors, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, address, from_block, to_block, tx_limit) DO UPDATE SET
			selectors = excluded.selectors,
			fetched_at = excluded.fetched_at
	`, int64(entry.ChainID), entry.Address, int64(entry.FromBlock), int64(entry.ToBlock), entry.Limit,
		string(selectors), fetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// LoadHistory returns the cached entry for key, or nil when there is none.
func (s *SQLiteStorage) LoadHistory(ctx context.Context, key HistoryKey) (*HistoryEntry, error) {
	var (
		raw       string
		fetchedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT selectors, fetched_at FROM selector_history
		WHERE chain_id = ? AND address = ? AND from_block = ? AND to_block = ? AND tx_limit = ?
	`, int64(key.ChainID), key.Address, int64(key.FromBlock), int64(key.ToBlock), key.Limit).Scan(&raw, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var selectors []types.Selector
	if err := json.Unmarshal([]byte(raw), &selectors); err != nil {
		// Treat a corrupt entry as a miss; the caller refetches and overwrites it.
		s.logger.Warn("discarding corrupt history entry",
			"chainID", key.ChainID,
			"address", key.Address,
			"error", err.Error())
		return nil, nil
	}
	return &HistoryEntry{HistoryKey: key, Selectors: selectors, FetchedAt: fetchedAt}, nil
}

// PruneHistory deletes entries fetched before olderThan.
func (s *SQLiteStorage) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM selector_history WHERE fetched_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
