package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore renders fetch specs to SQLite SQL. It backs single-node
// deployments and every test that needs a real warehouse without running
// one.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens a SQLite warehouse at path. ":memory:" opens a private
// in-memory database pinned to a single connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	memory := strings.Contains(path, ":memory:")
	if !memory {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("tabular: failed to open sqlite warehouse: %w", err)
	}
	if memory {
		// An in-memory database exists per connection; keep exactly one.
		db.SetMaxOpenConns(1)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for fixtures that load test data.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Dialect names the adapter.
func (s *SQLiteStore) Dialect() string {
	return "sqlite"
}

// Close releases the connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// buildQuery renders the spec to SQLite SQL with ? placeholders.
func (s *SQLiteStore) buildQuery(spec *GroupedFetchSpec, withLimit bool) (string, []interface{}, error) {
	if err := spec.Validate(); err != nil {
		return "", nil, err
	}
	if err := validateSpecIdentifiers(spec); err != nil {
		return "", nil, err
	}

	var query QueryBuilder
	query.WriteString("SELECT ")
	for i, col := range spec.Select {
		if i > 0 {
			query.WriteString(", ")
		}
		if err := s.writeSelectColumn(&query, col); err != nil {
			return "", nil, err
		}
	}
	query.WriteString(" FROM ")
	query.WriteIdentifier(spec.Table)

	args, err := writePredicates(&query, spec.Where, nil)
	if err != nil {
		return "", nil, err
	}
	writeGroupByOrderLimit(&query, spec, withLimit)

	return query.String(), args, nil
}

func (s *SQLiteStore) writeSelectColumn(query *QueryBuilder, col SelectColumn) error {
	switch col.Kind {
	case KindGroup:
		query.WriteIdentifier(col.Column)
	case KindSum:
		query.WriteString("SUM(")
		query.WriteIdentifier(col.Column)
		query.WriteString(")")
	case KindMin:
		query.WriteString("MIN(")
		query.WriteIdentifier(col.Column)
		query.WriteString(")")
	case KindMax:
		query.WriteString("MAX(")
		query.WriteIdentifier(col.Column)
		query.WriteString(")")
	case KindCountDistinct:
		query.WriteString("COUNT(DISTINCT ")
		query.WriteIdentifier(col.Column)
		query.WriteString(")")
	case KindDivideOrZero:
		// CASE keeps the division null-safe: zero denominator yields zero.
		query.WriteString("CASE WHEN SUM(")
		query.WriteIdentifier(col.Denom)
		query.WriteString(") = 0 THEN 0 ELSE SUM(")
		query.WriteIdentifier(col.Numerator)
		query.WriteString(") * 1.0 / SUM(")
		query.WriteIdentifier(col.Denom)
		query.WriteString(") END")
	case KindExpression:
		query.WriteString(col.Expression)
	default:
		return fmt.Errorf("tabular: unknown column kind %d", col.Kind)
	}
	query.WriteString(" AS ")
	query.WriteIdentifier(col.Alias)
	return nil
}

// Execute runs the fetch and returns rows keyed by select alias.
func (s *SQLiteStore) Execute(ctx context.Context, spec *GroupedFetchSpec) ([]Row, error) {
	queryString, args, err := s.buildQuery(spec, true)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, queryString, args...)
	if err != nil {
		return nil, fmt.Errorf("tabular: sqlite fetch failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("tabular: failed to read result columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		dests := make([]interface{}, len(columns))
		for i := range values {
			dests[i] = &values[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("tabular: failed to scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountGroups returns the number of groups the spec would produce.
func (s *SQLiteStore) CountGroups(ctx context.Context, spec *GroupedFetchSpec) (int, error) {
	inner, args, err := s.buildQuery(spec, false)
	if err != nil {
		return 0, err
	}

	var count int
	queryString := "SELECT COUNT(*) FROM (" + inner + ") AS sub"
	if err := s.db.QueryRowContext(ctx, queryString, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("tabular: sqlite group count failed: %w", err)
	}
	return count, nil
}

// MaterializeInto creates table from the spec's result.
func (s *SQLiteStore) MaterializeInto(ctx context.Context, table string, spec *GroupedFetchSpec) (int64, error) {
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	inner, args, err := s.buildQuery(spec, false)
	if err != nil {
		return 0, err
	}

	var query QueryBuilder
	query.WriteString("CREATE TABLE ")
	query.WriteIdentifier(table)
	query.WriteString(" AS ")
	query.WriteString(inner)

	if _, err := s.db.ExecContext(ctx, query.String(), args...); err != nil {
		return 0, fmt.Errorf("tabular: sqlite materialize into %s failed: %w", table, err)
	}

	var rowCount int64
	countQuery := QueryBuilder{}
	countQuery.WriteString("SELECT COUNT(*) FROM ")
	countQuery.WriteIdentifier(table)
	if err := s.db.QueryRowContext(ctx, countQuery.String()).Scan(&rowCount); err != nil {
		return 0, fmt.Errorf("tabular: failed to count materialized rows: %w", err)
	}
	return rowCount, nil
}

// DropTable removes a materialized table if it exists.
func (s *SQLiteStore) DropTable(ctx context.Context, table string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}

	var query QueryBuilder
	query.WriteString("DROP TABLE IF EXISTS ")
	query.WriteIdentifier(table)

	if _, err := s.db.ExecContext(ctx, query.String()); err != nil {
		return fmt.Errorf("tabular: sqlite drop table %s failed: %w", table, err)
	}
	return nil
}
