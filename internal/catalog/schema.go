package catalog

// Schema contains the SQL definitions for the catalog store (catalog.db).
// The catalog is a SQLite database holding the metric/dimension definitions,
// rollup records, and custom dimensions/metrics for each fact table.

// CreateMetricsTableSQL creates the metric definitions table.
const CreateMetricsTableSQL = `
CREATE TABLE IF NOT EXISTS metrics (
    table_name TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    column_name TEXT NOT NULL DEFAULT '',
    expression TEXT NOT NULL DEFAULT '',
    formula TEXT NOT NULL DEFAULT '',
    distinct_like INTEGER,
    display_order INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (table_name, id)
)`

// CreateDimensionsTableSQL creates the dimension definitions table.
const CreateDimensionsTableSQL = `
CREATE TABLE IF NOT EXISTS dimensions (
    table_name TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    column_name TEXT NOT NULL,
    data_type TEXT NOT NULL,
    filterable INTEGER NOT NULL DEFAULT 1,
    groupable INTEGER NOT NULL DEFAULT 1,
    display_order INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (table_name, id)
)`

// CreateRollupsTableSQL creates the rollup records table. registered_at is a
// monotonically assigned sequence used for first-registered tie-breaking
// during routing.
const CreateRollupsTableSQL = `
CREATE TABLE IF NOT EXISTS rollups (
    rollup_id TEXT PRIMARY KEY,
    rollup_table TEXT NOT NULL,
    source_table TEXT NOT NULL,
    dimensions_json TEXT NOT NULL,
    metrics_json TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    row_count INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    min_date INTEGER,
    max_date INTEGER,
    registered_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT ''
)`

// CreateRollupsIndexesSQL creates indexes for rollup lookups.
var CreateRollupsIndexesSQL = []string{
	// Index for listing rollups of a source table in registration order
	`CREATE INDEX IF NOT EXISTS idx_rollups_source ON rollups(source_table, registered_at)`,

	// Index for status scans (refresh daemon looks for stale/error rollups)
	`CREATE INDEX IF NOT EXISTS idx_rollups_status ON rollups(status)`,
}

// CreateCustomDimensionsTableSQL creates the custom dimension definitions
// table. Rules are stored as a JSON array in definition order.
const CreateCustomDimensionsTableSQL = `
CREATE TABLE IF NOT EXISTS custom_dimensions (
    table_name TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    source_metric TEXT NOT NULL DEFAULT '',
    rules_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, id)
)`

// CreateCustomMetricsTableSQL creates the custom metric definitions table.
const CreateCustomMetricsTableSQL = `
CREATE TABLE IF NOT EXISTS custom_metrics (
    table_name TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    source_metric TEXT NOT NULL,
    aggregation_type TEXT NOT NULL,
    exclude_dimensions_json TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, id)
)`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateMetricsTableSQL,
		CreateDimensionsTableSQL,
		CreateRollupsTableSQL,
		CreateCustomDimensionsTableSQL,
		CreateCustomMetricsTableSQL,
	}
	stmts = append(stmts, CreateRollupsIndexesSQL...)
	return stmts
}
