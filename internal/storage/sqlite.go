package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// SQLiteStorage implements Storage and HistoryCache using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the HTTP handlers read while a plan is being written.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		contract TEXT NOT NULL,
		address TEXT,
		chain_id INTEGER DEFAULT 0,
		block_number INTEGER DEFAULT 0,
		gas_limit INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		batch_count INTEGER DEFAULT 0,
		function_count INTEGER DEFAULT 0,
		variable_count INTEGER DEFAULT 0,
		error_message TEXT,
		artifact TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_created ON plans(created_at DESC);

	CREATE TABLE IF NOT EXISTS plan_batches (
		plan_id TEXT NOT NULL,
		batch_index INTEGER NOT NULL,
		slots TEXT NOT NULL,
		activate TEXT NOT NULL,
		PRIMARY KEY (plan_id, batch_index),
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS selector_history (
		chain_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		from_block INTEGER NOT NULL,
		to_block INTEGER NOT NULL,
		tx_limit INTEGER NOT NULL,
		selectors TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		PRIMARY KEY (chain_id, address, from_block, to_block, tx_limit)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"plans", "custom_name", "ALTER TABLE plans ADD COLUMN custom_name TEXT"},
		{"plans", "is_favorite", "ALTER TABLE plans ADD COLUMN is_favorite INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SavePlan inserts or replaces a plan and its batches in one transaction.
func (s *SQLiteStorage) SavePlan(ctx context.Context, plan *types.PlanArtifact) error {
	artifact, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, created_at, status, contract, address, chain_id, block_number, gas_limit,
			duration_ms, batch_count, function_count, variable_count, error_message, artifact,
			custom_name, is_favorite)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			batch_count = excluded.batch_count,
			function_count = excluded.function_count,
			variable_count = excluded.variable_count,
			error_message = excluded.error_message,
			artifact = excluded.artifact
	`,
		plan.ID, plan.CreatedAt.UTC(), string(plan.Status), plan.Contract, nullString(plan.Address),
		int64(plan.ChainID), int64(plan.BlockNumber), int64(plan.GasLimit),
		plan.DurationMs, len(plan.Batches), plan.FunctionCount, plan.VariableCount,
		nullString(plan.Error), string(artifact), plan.CustomName, boolInt(plan.IsFavorite),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM plan_batches WHERE plan_id = ?", plan.ID); err != nil {
		return fmt.Errorf("failed to clear batches: %w", err)
	}

	if len(plan.Batches) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO plan_batches (plan_id, batch_index, slots, activate) VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for _, b := range plan.Batches {
			slots, _ := json.Marshal(nonNil(b.Slots))
			activate, _ := json.Marshal(nonNil(b.Activate))
			if _, err := stmt.ExecContext(ctx, plan.ID, b.Index, string(slots), string(activate)); err != nil {
				return fmt.Errorf("failed to insert batch %d: %w", b.Index, err)
			}
		}
	}

	return tx.Commit()
}

// GetPlan retrieves a plan by id.
func (s *SQLiteStorage) GetPlan(ctx context.Context, id string) (*types.PlanArtifact, error) {
	var (
		artifact   string
		customName sql.NullString
		favorite   int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT artifact, custom_name, COALESCE(is_favorite, 0) FROM plans WHERE id = ?", id,
	).Scan(&artifact, &customName, &favorite)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	var plan types.PlanArtifact
	if err := json.Unmarshal([]byte(artifact), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan %s: %w", id, err)
	}
	// Metadata columns are authoritative; the artifact holds the value at save time.
	plan.CustomName = nil
	if customName.Valid {
		plan.CustomName = &customName.String
	}
	plan.IsFavorite = favorite == 1
	return &plan, nil
}

// GetPlanBatches returns a plan's batches in order.
func (s *SQLiteStorage) GetPlanBatches(ctx context.Context, id string) ([]types.BatchArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_index, slots, activate FROM plan_batches
		WHERE plan_id = ? ORDER BY batch_index
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []types.BatchArtifact
	for rows.Next() {
		var (
			b               types.BatchArtifact
			slots, activate string
		)
		if err := rows.Scan(&b.Index, &slots, &activate); err != nil {
			return nil, err
		}
		unmarshalJSON(slots, &b.Slots, "slots", id, s.logger)
		unmarshalJSON(activate, &b.Activate, "activate", id, s.logger)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListPlans returns plan summaries, favorites first, then newest first.
func (s *SQLiteStorage) ListPlans(ctx context.Context, limit, offset int) (*PaginatedPlans, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plans").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, created_at, contract, COALESCE(address, ''), block_number,
			batch_count, function_count, variable_count, COALESCE(error_message, ''),
			custom_name, COALESCE(is_favorite, 0)
		FROM plans
		ORDER BY is_favorite DESC, created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := []types.PlanSummary{}
	for rows.Next() {
		var (
			p           types.PlanSummary
			status      string
			blockNumber int64
			customName  sql.NullString
			favorite    int
		)
		if err := rows.Scan(&p.ID, &status, &p.CreatedAt, &p.Contract, &p.Address, &blockNumber,
			&p.BatchCount, &p.FunctionCount, &p.VariableCount, &p.Error, &customName, &favorite); err != nil {
			return nil, err
		}
		p.Status = types.PlanStatus(status)
		p.BlockNumber = uint64(blockNumber)
		if customName.Valid {
			name := customName.String
			p.CustomName = &name
		}
		p.IsFavorite = favorite == 1
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedPlans{
		Plans:  plans,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeletePlan deletes a plan and, by cascade, its batches.
func (s *SQLiteStorage) DeletePlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdatePlanMetadata sets the custom name and/or favorite flag.
func (s *SQLiteStorage) UpdatePlanMetadata(ctx context.Context, id string, update *PlanMetadataUpdate) error {
	var updates []string
	var args []interface{}

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		args = append(args, boolInt(*update.IsFavorite))
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE plans SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// unmarshalJSON unmarshals a non-critical JSON column, logging corruption
// instead of failing the whole query.
func unmarshalJSON(data string, v any, field, planID string, logger *slog.Logger) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		logger.Warn("failed to unmarshal JSON field",
			"field", field,
			"planID", planID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Storage = (*SQLiteStorage)(nil)
var _ HistoryCache = (*SQLiteStorage)(nil)

// defaultHistoryTTL bounds how long a cached window is trusted.
const defaultHistoryTTL = 7 * 24 * time.Hour

// PruneExpiredHistory removes history entries older than the default TTL.
func (s *SQLiteStorage) PruneExpiredHistory(ctx context.Context) (int64, error) {
	return s.PruneHistory(ctx, time.Now().Add(-defaultHistoryTTL))
}
