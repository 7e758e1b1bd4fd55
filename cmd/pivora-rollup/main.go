// Package main implements the pivora-rollup operator CLI.
// It registers, builds, refreshes and lists rollup tables against the same
// catalog and warehouse the services use, without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/config"
	"github.com/pivora/pivora/internal/rollup"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

func main() {
	var (
		configFile  string
		dataDir     string
		table       string
		rollupID    string
		rollupTable string
		dims        string
		metrics     string
		seedFile    string
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&table, "table", "", "Source table the rollups derive from")
	flag.StringVar(&rollupID, "id", "", "Rollup ID (build: defaults to the rollup table name)")
	flag.StringVar(&rollupTable, "rollup-table", "", "Physical rollup table name (build: defaults to rollup_<dims>)")
	flag.StringVar(&dims, "dims", "", "Comma-separated dimension IDs for the rollup (build)")
	flag.StringVar(&metrics, "metrics", "", "Comma-separated metric IDs (build: defaults to all volume metrics)")
	flag.StringVar(&seedFile, "seed-file", "", "JSON file of metric and dimension definitions (seed)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Pivora rollup operator CLI\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pivora-rollup [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list      List all rollups of the source table\n")
		fmt.Fprintf(os.Stderr, "  build     Register a new rollup and build it now\n")
		fmt.Fprintf(os.Stderr, "  refresh   Rebuild an existing rollup by --id\n")
		fmt.Fprintf(os.Stderr, "  scan      Run one daemon scan cycle, building everything eligible\n")
		fmt.Fprintf(os.Stderr, "  seed      Load metric and dimension definitions from --seed-file\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pivora-rollup --data-dir /data/pivora list\n")
		fmt.Fprintf(os.Stderr, "  pivora-rollup --dims date,country,device build\n")
		fmt.Fprintf(os.Stderr, "  pivora-rollup --id rollup_date_country refresh\n")
		fmt.Fprintf(os.Stderr, "  pivora-rollup --seed-file defs.json seed\n")
	}

	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, dataDir, table)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cat, warehouse, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open stores: %v", err)
	}
	defer cat.Close()
	defer warehouse.Close()

	ctx := context.Background()
	builder := rollup.NewMaterializer(warehouse, cat)

	switch cmd {
	case "list":
		err = runList(ctx, cat, cfg.Table)
	case "build":
		err = runBuild(ctx, cfg, cat, builder, rollupID, rollupTable, dims, metrics)
	case "refresh":
		err = runRefresh(ctx, cfg, cat, builder, rollupID)
	case "scan":
		err = runScan(ctx, cfg, cat, builder)
	case "seed":
		err = runSeed(ctx, cfg, cat, seedFile)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, table string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if table != "" {
		cfg.Table = table
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return cfg, nil
}

// openStores opens the catalog and the warehouse adapter from the config.
func openStores(cfg *config.Config) (*catalog.Store, tabular.Store, error) {
	cat, err := catalog.NewStore(cfg.CatalogPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	var warehouse tabular.Store
	switch cfg.Warehouse.Driver {
	case "sqlite":
		warehouse, err = tabular.OpenSQLite(cfg.Warehouse.Path)
	case "clickhouse":
		warehouse, err = tabular.NewClickHouseStore(tabular.ClickHouseOptions{
			Addr:     cfg.Warehouse.ClickHouse.Addr,
			Database: cfg.Warehouse.ClickHouse.Database,
			Username: cfg.Warehouse.ClickHouse.Username,
			Password: cfg.Warehouse.ClickHouse.Password,
		})
	default:
		err = fmt.Errorf("unsupported warehouse driver: %s", cfg.Warehouse.Driver)
	}
	if err != nil {
		cat.Close()
		return nil, nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	return cat, warehouse, nil
}

// runList prints all rollups of the source table.
func runList(ctx context.Context, cat *catalog.Store, table string) error {
	rollups, err := cat.ListRollups(ctx, table)
	if err != nil {
		return err
	}
	if len(rollups) == 0 {
		fmt.Printf("No rollups registered for table %s\n", table)
		return nil
	}

	fmt.Printf("%-28s %-28s %-12s %10s %12s  %s\n",
		"ID", "TABLE", "STATUS", "ROWS", "SIZE", "DIMENSIONS")
	for _, r := range rollups {
		dims := make([]string, len(r.Dimensions))
		for i, d := range r.Dimensions {
			dims[i] = string(d)
		}
		fmt.Printf("%-28s %-28s %-12s %10d %12d  %s\n",
			r.ID, r.Table, r.Status, r.RowCount, r.SizeBytes, strings.Join(dims, ","))
		if r.LastError != "" {
			fmt.Printf("  last error: %s\n", r.LastError)
		}
	}
	return nil
}

// runBuild registers a new rollup and builds it synchronously.
func runBuild(ctx context.Context, cfg *config.Config, cat *catalog.Store, builder *rollup.Materializer, id, table, dims, metrics string) error {
	dimIDs := splitDims(dims)
	if len(dimIDs) == 0 {
		return fmt.Errorf("--dims is required for build")
	}

	metricIDs, err := resolveMetrics(ctx, cat, cfg.Table, metrics)
	if err != nil {
		return err
	}

	if table == "" {
		parts := make([]string, len(dimIDs))
		for i, d := range dimIDs {
			parts[i] = string(d)
		}
		table = "rollup_" + strings.Join(parts, "_")
	}
	if id == "" {
		id = table
	}

	r := &catalog.Rollup{
		ID:          id,
		Table:       table,
		SourceTable: cfg.Table,
		Dimensions:  dimIDs,
		Metrics:     metricIDs,
	}
	if err := cat.RegisterRollup(ctx, r); err != nil {
		return err
	}
	log.Printf("Registered rollup %s (table=%s, dims=%v)", r.ID, r.Table, r.Dimensions)

	return buildNow(ctx, cfg, cat, builder, r)
}

// runRefresh rebuilds one existing rollup synchronously.
func runRefresh(ctx context.Context, cfg *config.Config, cat *catalog.Store, builder *rollup.Materializer, id string) error {
	if id == "" {
		return fmt.Errorf("--id is required for refresh")
	}
	r, err := cat.GetRollup(ctx, id)
	if err != nil {
		return err
	}
	return buildNow(ctx, cfg, cat, builder, r)
}

// runScan runs one daemon scan cycle over everything pending, stale or failed.
func runScan(ctx context.Context, cfg *config.Config, cat *catalog.Store, builder *rollup.Materializer) error {
	daemon := rollup.NewDaemon(rollup.Config{
		ScanInterval: cfg.Rollup.ScanInterval,
		BuildTimeout: cfg.Rollup.BuildTimeout,
		BackoffBase:  cfg.Rollup.BackoffBase,
		BackoffMax:   cfg.Rollup.BackoffMax,
	}, cat, builder, nil)
	daemon.RunOnce(ctx)
	return nil
}

// buildNow drives one rollup through its build lifecycle synchronously.
func buildNow(ctx context.Context, cfg *config.Config, cat *catalog.Store, builder *rollup.Materializer, r *catalog.Rollup) error {
	building := catalog.StatusCreating
	switch {
	case r.Status == catalog.StatusReady, r.Status == catalog.StatusStale:
		building = catalog.StatusRefreshing
	case r.Status == catalog.StatusError && r.RowCount > 0:
		building = catalog.StatusRefreshing
	}
	if err := cat.UpdateRollupStatus(ctx, r.ID, building, ""); err != nil {
		return err
	}
	log.Printf("Building rollup %s...", r.ID)

	buildCtx, cancel := context.WithTimeout(ctx, cfg.Rollup.BuildTimeout)
	result, err := builder.Build(buildCtx, r)
	cancel()
	if err != nil {
		if stErr := cat.UpdateRollupStatus(ctx, r.ID, catalog.StatusError, err.Error()); stErr != nil {
			log.Printf("Could not record build failure: %v", stErr)
		}
		return err
	}

	if err := cat.UpdateRollupStatus(ctx, r.ID, catalog.StatusReady, ""); err != nil {
		return err
	}
	log.Printf("Built rollup %s: %d rows in %s", r.ID, result.Rows, result.Duration)
	return nil
}

// seedDefs is the definition file format for the seed command. Field names
// match the catalog's JSON serialization.
type seedDefs struct {
	Metrics          []*catalog.MetricDef       `json:"metrics"`
	Dimensions       []*catalog.DimensionDef    `json:"dimensions"`
	CustomDimensions []*catalog.CustomDimension `json:"customDimensions"`
	CustomMetrics    []*catalog.CustomMetric    `json:"customMetrics"`
}

// runSeed loads metric and dimension definitions from a JSON file into the
// catalog. Existing definitions with the same ID are replaced.
func runSeed(ctx context.Context, cfg *config.Config, cat *catalog.Store, path string) error {
	if path == "" {
		return fmt.Errorf("--seed-file is required for seed")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var defs seedDefs
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, d := range defs.Dimensions {
		if err := cat.PutDimension(ctx, cfg.Table, d); err != nil {
			return fmt.Errorf("dimension %s: %w", d.ID, err)
		}
	}
	for _, m := range defs.Metrics {
		if err := cat.PutMetric(ctx, cfg.Table, m); err != nil {
			return fmt.Errorf("metric %s: %w", m.ID, err)
		}
	}
	for _, d := range defs.CustomDimensions {
		if err := cat.PutCustomDimension(ctx, cfg.Table, d); err != nil {
			return fmt.Errorf("custom dimension %s: %w", d.ID, err)
		}
	}
	for _, m := range defs.CustomMetrics {
		if err := cat.PutCustomMetric(ctx, cfg.Table, m); err != nil {
			return fmt.Errorf("custom metric %s: %w", m.ID, err)
		}
	}
	log.Printf("Seeded table %s: %d dimensions, %d metrics, %d custom dimensions, %d custom metrics",
		cfg.Table, len(defs.Dimensions), len(defs.Metrics), len(defs.CustomDimensions), len(defs.CustomMetrics))
	return nil
}

// splitDims parses a comma-separated dimension list.
func splitDims(s string) []types.DimensionID {
	var out []types.DimensionID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, types.DimensionID(part))
		}
	}
	return out
}

// resolveMetrics parses a comma-separated metric list, defaulting to every
// volume metric of the source table. Rollups cannot carry derived metrics.
func resolveMetrics(ctx context.Context, cat *catalog.Store, table, s string) ([]types.MetricID, error) {
	if s != "" {
		var out []types.MetricID
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, types.MetricID(part))
			}
		}
		return out, nil
	}

	defs, err := cat.ListMetrics(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []types.MetricID
	for _, def := range defs {
		if def.IsVolume() {
			out = append(out, def.ID)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("source table %s has no volume metrics; seed the catalog first", table)
	}
	return out, nil
}
