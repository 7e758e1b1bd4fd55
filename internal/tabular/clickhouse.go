package tabular

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseOptions configures the ClickHouse adapter connection.
type ClickHouseOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
	Debug    bool
}

// ClickHouseStore renders fetch specs to ClickHouse SQL over the native
// protocol. This is the production warehouse adapter.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore connects to ClickHouse with LZ4 compression.
func NewClickHouseStore(opts ClickHouseOptions) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Debug:       opts.Debug,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("tabular: failed to connect to clickhouse: %w", err)
	}
	return &ClickHouseStore{conn: conn}, nil
}

// Dialect names the adapter.
func (s *ClickHouseStore) Dialect() string {
	return "clickhouse"
}

// Close releases the connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

// buildQuery renders the spec to ClickHouse SQL with ? placeholders.
func (s *ClickHouseStore) buildQuery(spec *GroupedFetchSpec, withLimit bool) (string, []interface{}, error) {
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

func (s *ClickHouseStore) writeSelectColumn(query *QueryBuilder, col SelectColumn) error {
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
		// if() keeps the division null-safe: zero denominator yields zero.
		query.WriteString("if(SUM(")
		query.WriteIdentifier(col.Denom)
		query.WriteString(") = 0, 0, SUM(")
		query.WriteIdentifier(col.Numerator)
		query.WriteString(") / SUM(")
		query.WriteIdentifier(col.Denom)
		query.WriteString("))")
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
func (s *ClickHouseStore) Execute(ctx context.Context, spec *GroupedFetchSpec) ([]Row, error) {
	queryString, args, err := s.buildQuery(spec, true)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, queryString, args...)
	if err != nil {
		return nil, fmt.Errorf("tabular: clickhouse fetch failed: %w", err)
	}
	defer rows.Close()

	columns := rows.Columns()
	columnTypes := rows.ColumnTypes()

	var out []Row
	for rows.Next() {
		dests := make([]interface{}, len(columnTypes))
		for i, ct := range columnTypes {
			dests[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("tabular: failed to scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = reflect.ValueOf(dests[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountGroups returns the number of groups the spec would produce.
func (s *ClickHouseStore) CountGroups(ctx context.Context, spec *GroupedFetchSpec) (int, error) {
	inner, args, err := s.buildQuery(spec, false)
	if err != nil {
		return 0, err
	}

	var count uint64
	queryString := "SELECT count() FROM (" + inner + ") AS sub"
	if err := s.conn.QueryRow(ctx, queryString, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("tabular: clickhouse group count failed: %w", err)
	}
	return int(count), nil
}

// MaterializeInto creates table from the spec's result.
func (s *ClickHouseStore) MaterializeInto(ctx context.Context, table string, spec *GroupedFetchSpec) (int64, error) {
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
	query.WriteString(" ENGINE = MergeTree() ORDER BY tuple() AS ")
	query.WriteString(inner)

	if err := s.conn.Exec(ctx, query.String(), args...); err != nil {
		return 0, fmt.Errorf("tabular: clickhouse materialize into %s failed: %w", table, err)
	}

	var rowCount uint64
	countQuery := QueryBuilder{}
	countQuery.WriteString("SELECT count() FROM ")
	countQuery.WriteIdentifier(table)
	if err := s.conn.QueryRow(ctx, countQuery.String()).Scan(&rowCount); err != nil {
		return 0, fmt.Errorf("tabular: failed to count materialized rows: %w", err)
	}
	return int64(rowCount), nil
}

// DropTable removes a materialized table if it exists.
func (s *ClickHouseStore) DropTable(ctx context.Context, table string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}

	var query QueryBuilder
	query.WriteString("DROP TABLE IF EXISTS ")
	query.WriteIdentifier(table)

	if err := s.conn.Exec(ctx, query.String()); err != nil {
		return fmt.Errorf("tabular: clickhouse drop table %s failed: %w", table, err)
	}
	return nil
}
