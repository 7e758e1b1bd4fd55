package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/pkg/types"
)

// Store persists catalog metadata in SQLite. Writes go through a single
// connection in WAL mode; reads use a separate read-only pool so snapshot
// loads never queue behind rollup status updates.
type Store struct {
	db     *sql.DB // Single write connection
	readDB *sql.DB // Read-only connection pool
	dbPath string

	mu sync.Mutex // Serializes multi-statement writes

	stmtMu    sync.RWMutex
	stmtCache map[string]*sql.Stmt // Prepared read statements
}

// NewStore opens (or creates) the catalog database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	if _, err := readDB.Exec("PRAGMA read_uncommitted = true"); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to set read_uncommitted pragma: %w", err)
	}

	store := &Store{
		db:        db,
		readDB:    readDB,
		dbPath:    dbPath,
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := store.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// getOrPrepareStmt returns a cached prepared statement on the read pool.
func (s *Store) getOrPrepareStmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	if stmt, ok := s.stmtCache[query]; ok {
		s.stmtMu.RUnlock()
		return stmt, nil
	}
	s.stmtMu.RUnlock()

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	// Double-check after acquiring write lock
	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := s.readDB.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmtCache[query] = stmt
	return stmt, nil
}

// PutMetric inserts or replaces a metric definition.
func (s *Store) PutMetric(ctx context.Context, table string, def *MetricDef) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var distinctLike interface{}
	if def.DistinctLike != nil {
		if *def.DistinctLike {
			distinctLike = 1
		} else {
			distinctLike = 0
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO metrics (
			table_name, id, name, category, column_name, expression,
			formula, distinct_like, display_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		table, string(def.ID), def.Name, string(def.Category), def.ColumnName,
		def.Expression, def.Formula, distinctLike, def.DisplayOrder,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to put metric %s: %w", def.ID, err)
	}
	return nil
}

// ListMetrics returns all metric definitions for a table in display order.
func (s *Store) ListMetrics(ctx context.Context, table string) ([]*MetricDef, error) {
	query := `
		SELECT id, name, category, column_name, expression, formula, distinct_like, display_order
		FROM metrics
		WHERE table_name = ?
		ORDER BY display_order, id`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare metric query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list metrics: %w", err)
	}
	defer rows.Close()

	var defs []*MetricDef
	for rows.Next() {
		var def MetricDef
		var distinctLike sql.NullInt64
		if err := rows.Scan(&def.ID, &def.Name, &def.Category, &def.ColumnName,
			&def.Expression, &def.Formula, &distinctLike, &def.DisplayOrder); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan metric: %w", err)
		}
		if distinctLike.Valid {
			v := distinctLike.Int64 != 0
			def.DistinctLike = &v
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// PutDimension inserts or replaces a dimension definition.
func (s *Store) PutDimension(ctx context.Context, table string, def *DimensionDef) error {
	if def.ID == "" || def.ColumnName == "" {
		return apperrors.NewValidationError("dimension id and column name are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dimensions (
			table_name, id, name, column_name, data_type, filterable, groupable, display_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		table, string(def.ID), def.Name, def.ColumnName, string(def.DataType),
		boolToInt(def.Filterable), boolToInt(def.Groupable), def.DisplayOrder,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to put dimension %s: %w", def.ID, err)
	}
	return nil
}

// ListDimensions returns all dimension definitions for a table in display
// order.
func (s *Store) ListDimensions(ctx context.Context, table string) ([]*DimensionDef, error) {
	query := `
		SELECT id, name, column_name, data_type, filterable, groupable, display_order
		FROM dimensions
		WHERE table_name = ?
		ORDER BY display_order, id`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare dimension query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list dimensions: %w", err)
	}
	defer rows.Close()

	var defs []*DimensionDef
	for rows.Next() {
		var def DimensionDef
		var filterable, groupable int
		if err := rows.Scan(&def.ID, &def.Name, &def.ColumnName, &def.DataType,
			&filterable, &groupable, &def.DisplayOrder); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan dimension: %w", err)
		}
		def.Filterable = filterable != 0
		def.Groupable = groupable != 0
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// RegisterRollup records a new rollup in pending status. Registration order
// is preserved via a per-store sequence and used for routing tie-breaks.
func (s *Store) RegisterRollup(ctx context.Context, r *Rollup) error {
	if r.ID == "" || r.Table == "" || r.SourceTable == "" {
		return apperrors.NewValidationError("rollup id, table and source table are required")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if !r.Status.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown rollup status %q", r.Status))
	}

	dimsJSON, err := json.Marshal(r.Dimensions)
	if err != nil {
		return fmt.Errorf("catalog: failed to encode rollup dimensions: %w", err)
	}
	metricsJSON, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("catalog: failed to encode rollup metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(registered_at), 0) + 1 FROM rollups").Scan(&seq); err != nil {
		return fmt.Errorf("catalog: failed to assign registration sequence: %w", err)
	}

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollups (
			rollup_id, rollup_table, source_table, dimensions_json, metrics_json,
			status, row_count, size_bytes, min_date, max_date,
			registered_at, created_at, updated_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Table, r.SourceTable, string(dimsJSON), string(metricsJSON),
		string(r.Status), r.RowCount, r.SizeBytes,
		timePtrToUnix(r.MinDate), timePtrToUnix(r.MaxDate),
		seq, r.CreatedAt.Unix(), r.UpdatedAt.Unix(), r.LastError,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to register rollup %s: %w", r.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit rollup registration: %w", err)
	}
	return nil
}

const rollupColumns = `rollup_id, rollup_table, source_table, dimensions_json, metrics_json,
		status, row_count, size_bytes, min_date, max_date, created_at, updated_at, last_error`

// GetRollup returns one rollup by id.
func (s *Store) GetRollup(ctx context.Context, id string) (*Rollup, error) {
	query := `SELECT ` + rollupColumns + ` FROM rollups WHERE rollup_id = ?`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare rollup query: %w", err)
	}

	return scanRollup(stmt.QueryRowContext(ctx, id))
}

// ListRollups returns all rollups for a source table in registration order.
func (s *Store) ListRollups(ctx context.Context, sourceTable string) ([]*Rollup, error) {
	query := `SELECT ` + rollupColumns + ` FROM rollups WHERE source_table = ? ORDER BY registered_at`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare rollup list query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, sourceTable)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list rollups: %w", err)
	}
	defer rows.Close()

	var rollups []*Rollup
	for rows.Next() {
		r, err := scanRollupRows(rows)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

// ListRollupsByStatus returns all rollups in the given status across source
// tables, in registration order. The refresh daemon uses this to find work.
func (s *Store) ListRollupsByStatus(ctx context.Context, status RollupStatus) ([]*Rollup, error) {
	query := `SELECT ` + rollupColumns + ` FROM rollups WHERE status = ? ORDER BY registered_at`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare rollup status query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, string(status))
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list rollups by status: %w", err)
	}
	defer rows.Close()

	var rollups []*Rollup
	for rows.Next() {
		r, err := scanRollupRows(rows)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

// UpdateRollupStatus moves a rollup to the next lifecycle state, enforcing
// the allowed transitions. lastError is recorded on error transitions and
// cleared otherwise.
func (s *Store) UpdateRollupStatus(ctx context.Context, id string, next RollupStatus, lastError string) error {
	if !next.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown rollup status %q", next))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM rollups WHERE rollup_id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperrors.NewCatalogError(apperrors.CodeSchemaMissing,
			fmt.Sprintf("rollup %q not found", id))
	}
	if err != nil {
		return fmt.Errorf("catalog: failed to read rollup status: %w", err)
	}

	if !RollupStatus(current).CanTransition(next) {
		return apperrors.NewCatalogError(apperrors.CodeInvalidTransition,
			fmt.Sprintf("rollup %q cannot transition from %s to %s", id, current, next))
	}

	if next != StatusError {
		lastError = ""
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE rollups SET status = ?, last_error = ?, updated_at = ? WHERE rollup_id = ?",
		string(next), lastError, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to update rollup status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit status update: %w", err)
	}
	return nil
}

// RecordRollupStats stores build statistics after a successful build or
// refresh. Stats persist through later error states.
func (s *Store) RecordRollupStats(ctx context.Context, id string, rowCount, sizeBytes int64, minDate, maxDate *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE rollups SET row_count = ?, size_bytes = ?, min_date = ?, max_date = ?, updated_at = ?
		WHERE rollup_id = ?`,
		rowCount, sizeBytes, timePtrToUnix(minDate), timePtrToUnix(maxDate), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to record rollup stats: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperrors.NewCatalogError(apperrors.CodeSchemaMissing,
			fmt.Sprintf("rollup %q not found", id))
	}
	return nil
}

// PutCustomDimension inserts or replaces a custom dimension definition.
func (s *Store) PutCustomDimension(ctx context.Context, table string, def *CustomDimension) error {
	if err := def.Validate(); err != nil {
		return err
	}

	rulesJSON, err := json.Marshal(def.Rules)
	if err != nil {
		return fmt.Errorf("catalog: failed to encode custom dimension rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO custom_dimensions (
			table_name, id, name, type, source_metric, rules_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table, def.ID, def.Name, string(def.Type), string(def.SourceMetric),
		string(rulesJSON), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to put custom dimension %s: %w", def.ID, err)
	}
	return nil
}

// GetCustomDimension returns one custom dimension by id.
func (s *Store) GetCustomDimension(ctx context.Context, table, id string) (*CustomDimension, error) {
	query := `
		SELECT id, name, type, source_metric, rules_json
		FROM custom_dimensions
		WHERE table_name = ? AND id = ?`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare custom dimension query: %w", err)
	}

	var def CustomDimension
	var rulesJSON string
	err = stmt.QueryRowContext(ctx, table, id).Scan(&def.ID, &def.Name, &def.Type, &def.SourceMetric, &rulesJSON)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewCatalogError(apperrors.CodeUnknownCustomDimension,
			fmt.Sprintf("custom dimension %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan custom dimension: %w", err)
	}
	if err := json.Unmarshal([]byte(rulesJSON), &def.Rules); err != nil {
		return nil, fmt.Errorf("catalog: failed to decode custom dimension rules: %w", err)
	}
	return &def, nil
}

// ListCustomDimensions returns all custom dimensions for a table.
func (s *Store) ListCustomDimensions(ctx context.Context, table string) ([]*CustomDimension, error) {
	query := `
		SELECT id, name, type, source_metric, rules_json
		FROM custom_dimensions
		WHERE table_name = ?
		ORDER BY created_at, id`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare custom dimension list query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list custom dimensions: %w", err)
	}
	defer rows.Close()

	var defs []*CustomDimension
	for rows.Next() {
		var def CustomDimension
		var rulesJSON string
		if err := rows.Scan(&def.ID, &def.Name, &def.Type, &def.SourceMetric, &rulesJSON); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan custom dimension: %w", err)
		}
		if err := json.Unmarshal([]byte(rulesJSON), &def.Rules); err != nil {
			return nil, fmt.Errorf("catalog: failed to decode custom dimension rules: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// PutCustomMetric inserts or replaces a custom metric definition.
func (s *Store) PutCustomMetric(ctx context.Context, table string, def *CustomMetric) error {
	if err := def.Validate(); err != nil {
		return err
	}

	excludeJSON, err := json.Marshal(def.ExcludeDimensions)
	if err != nil {
		return fmt.Errorf("catalog: failed to encode custom metric exclusions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO custom_metrics (
			table_name, id, name, source_metric, aggregation_type, exclude_dimensions_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table, string(def.ID), def.Name, string(def.SourceMetric),
		string(def.AggregationType), string(excludeJSON), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to put custom metric %s: %w", def.ID, err)
	}
	return nil
}

// GetCustomMetric returns one custom metric by id.
func (s *Store) GetCustomMetric(ctx context.Context, table string, id types.MetricID) (*CustomMetric, error) {
	query := `
		SELECT id, name, source_metric, aggregation_type, exclude_dimensions_json
		FROM custom_metrics
		WHERE table_name = ? AND id = ?`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare custom metric query: %w", err)
	}

	var def CustomMetric
	var excludeJSON string
	err = stmt.QueryRowContext(ctx, table, string(id)).Scan(
		&def.ID, &def.Name, &def.SourceMetric, &def.AggregationType, &excludeJSON)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewCatalogError(apperrors.CodeUnknownCustomMetric,
			fmt.Sprintf("custom metric %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan custom metric: %w", err)
	}
	if err := json.Unmarshal([]byte(excludeJSON), &def.ExcludeDimensions); err != nil {
		return nil, fmt.Errorf("catalog: failed to decode custom metric exclusions: %w", err)
	}
	return &def, nil
}

// ListCustomMetrics returns all custom metrics for a table.
func (s *Store) ListCustomMetrics(ctx context.Context, table string) ([]*CustomMetric, error) {
	query := `
		SELECT id, name, source_metric, aggregation_type, exclude_dimensions_json
		FROM custom_metrics
		WHERE table_name = ?
		ORDER BY created_at, id`

	stmt, err := s.getOrPrepareStmt(query)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to prepare custom metric list query: %w", err)
	}

	rows, err := stmt.QueryContext(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list custom metrics: %w", err)
	}
	defer rows.Close()

	var defs []*CustomMetric
	for rows.Next() {
		var def CustomMetric
		var excludeJSON string
		if err := rows.Scan(&def.ID, &def.Name, &def.SourceMetric, &def.AggregationType, &excludeJSON); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan custom metric: %w", err)
		}
		if err := json.Unmarshal([]byte(excludeJSON), &def.ExcludeDimensions); err != nil {
			return nil, fmt.Errorf("catalog: failed to decode custom metric exclusions: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// Close releases prepared statements and both connections.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, stmt := range s.stmtCache {
		stmt.Close()
	}
	s.stmtCache = nil
	s.stmtMu.Unlock()

	// Close read connection first, then write connection
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRollup(row *sql.Row) (*Rollup, error) {
	r, err := scanRollupFrom(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewCatalogError(apperrors.CodeSchemaMissing, "rollup not found")
	}
	return r, err
}

func scanRollupRows(rows *sql.Rows) (*Rollup, error) {
	return scanRollupFrom(rows)
}

func scanRollupFrom(scanner rowScanner) (*Rollup, error) {
	var r Rollup
	var dimsJSON, metricsJSON string
	var minDate, maxDate sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&r.ID, &r.Table, &r.SourceTable, &dimsJSON, &metricsJSON,
		&r.Status, &r.RowCount, &r.SizeBytes, &minDate, &maxDate,
		&createdAt, &updatedAt, &r.LastError,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("catalog: failed to scan rollup: %w", err)
	}

	if err := json.Unmarshal([]byte(dimsJSON), &r.Dimensions); err != nil {
		return nil, fmt.Errorf("catalog: failed to decode rollup dimensions: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &r.Metrics); err != nil {
		return nil, fmt.Errorf("catalog: failed to decode rollup metrics: %w", err)
	}
	if minDate.Valid {
		t := time.Unix(minDate.Int64, 0).UTC()
		r.MinDate = &t
	}
	if maxDate.Valid {
		t := time.Unix(maxDate.Int64, 0).UTC()
		r.MaxDate = &t
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
