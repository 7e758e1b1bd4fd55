package benchmark

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/storage"
	"github.com/pivora/pivora/internal/tabular"
	"github.com/pivora/pivora/pkg/types"
)

// PrefixedStorage wraps an ObjectStorage and prepends a prefix to all object paths.
type PrefixedStorage struct {
	inner  storage.ObjectStorage
	prefix string
}

func (s *PrefixedStorage) Put(ctx context.Context, objectPath string, data []byte) error {
	return s.inner.Put(ctx, s.prefix+"/"+objectPath, data)
}

func (s *PrefixedStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) Delete(ctx context.Context, objectPath string) error {
	return s.inner.Delete(ctx, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	return s.inner.Exists(ctx, s.prefix+"/"+objectPath)
}

func (s *PrefixedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	// Prepend the run prefix to the query prefix and strip it from the
	// results so callers see the same keys they wrote.
	fullPrefix := s.prefix + "/" + prefix
	objects, err := s.inner.List(ctx, fullPrefix)
	if err != nil {
		return nil, err
	}

	stripped := make([]string, len(objects))
	for i, obj := range objects {
		if len(obj) > len(s.prefix)+1 {
			stripped[i] = obj[len(s.prefix)+1:]
		} else {
			stripped[i] = obj
		}
	}
	return stripped, nil
}

// getBenchmarkStorage returns a storage interface and a cleanup func.
// It respects PIVORA_STORAGE_TYPE=s3 from .env or environment.
// For S3: objects go under "bench/<benchName>/<timestamp>".
// For Local: objects go to a temp dir.
func getBenchmarkStorage(b *testing.B, benchName string) (storage.ObjectStorage, func()) {
	// Try loading .env from project root (../../.env relative to test/benchmark)
	_ = godotenv.Load("../../.env")

	storageType := os.Getenv("PIVORA_STORAGE_TYPE")

	if storageType == "s3" {
		// Map credentials
		if v := os.Getenv("PIVORA_AWS_ACCESS_KEY_ID"); v != "" {
			os.Setenv("AWS_ACCESS_KEY_ID", v)
		}
		if v := os.Getenv("PIVORA_AWS_SECRET_ACCESS_KEY"); v != "" {
			os.Setenv("AWS_SECRET_ACCESS_KEY", v)
		}

		bucket := os.Getenv("PIVORA_S3_BUCKET")
		region := os.Getenv("PIVORA_S3_REGION")
		endpoint := os.Getenv("PIVORA_S3_ENDPOINT")

		if bucket == "" {
			b.Fatal("PIVORA_S3_BUCKET is required for s3 benchmark")
		}

		cfg := storage.DefaultS3Config()
		cfg.Region = region
		cfg.Endpoint = endpoint

		st, err := storage.NewS3Storage(context.Background(), bucket, cfg)
		if err != nil {
			b.Fatalf("Failed to initialize S3 storage: %v", err)
		}

		// Unique prefix for this run
		prefix := fmt.Sprintf("bench/%s/%d", benchName, time.Now().UnixNano())

		// Cleanup is manual/optional for S3 to avoid deleting objects
		// another run may still be reading
		cleanup := func() {}

		b.Logf("Running benchmark against S3 Bucket: %s Prefix: %s", bucket, prefix)
		return &PrefixedStorage{inner: st, prefix: prefix}, cleanup
	}

	// Default to Local
	dir, err := os.MkdirTemp("", "pivora-bench-"+benchName+"-*")
	if err != nil {
		b.Fatal(err)
	}
	st, err := storage.NewLocalStorage(dir)
	if err != nil {
		b.Fatal(err)
	}
	cleanup := func() {
		os.RemoveAll(dir)
	}
	return st, cleanup
}

var benchCountries = []string{"NO", "SE", "DK", "FI", "DE", "FR", "GB", "NL", "ES", "IT", "PL", "US"}
var benchDevices = []string{"mobile", "desktop", "tablet"}

// newBenchWarehouse seeds an in-memory warehouse with the given number of
// search events spread over 90 days, plus a materialized (date, country)
// rollup aggregated from them.
func newBenchWarehouse(b *testing.B, events int) *tabular.SQLiteStore {
	b.Helper()

	store, err := tabular.OpenSQLite(":memory:")
	if err != nil {
		b.Fatal(err)
	}

	db := store.DB()
	if _, err := db.Exec(`CREATE TABLE search_events (
		query_id TEXT,
		clicks INTEGER,
		revenue REAL,
		event_date TEXT,
		country_code TEXT,
		device TEXT
	)`); err != nil {
		b.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		b.Fatal(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO search_events
		(query_id, clicks, revenue, event_date, country_code, device)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		b.Fatal(err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < events; i++ {
		date := base.AddDate(0, 0, i%90).Format(types.DateLayout)
		_, err := stmt.Exec(
			fmt.Sprintf("q%d", i%2000),
			i%7,
			float64(i%100)/4,
			date,
			benchCountries[i%len(benchCountries)],
			benchDevices[i%len(benchDevices)],
		)
		if err != nil {
			b.Fatal(err)
		}
	}
	if err := stmt.Close(); err != nil {
		b.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		b.Fatal(err)
	}

	ddl := []string{
		`CREATE TABLE rollup_date_country (
			date TEXT, country TEXT,
			queries REAL, clicks REAL, revenue REAL
		)`,
		`INSERT INTO rollup_date_country (date, country, queries, clicks, revenue)
		 SELECT event_date, country_code,
		        COUNT(DISTINCT query_id), SUM(clicks), SUM(revenue)
		 FROM search_events
		 GROUP BY event_date, country_code`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			b.Fatal(err)
		}
	}
	return store
}

// benchSnapshot describes the bench warehouse: three volume metrics, one
// derived ratio, three dimensions, the materialized rollup and one bucketing
// custom dimension.
func benchSnapshot(b *testing.B) *catalog.Snapshot {
	b.Helper()

	plainSum := false
	low, high := 50000.0, 50001.0
	snap, err := catalog.NewSnapshot("search_events",
		[]*catalog.MetricDef{
			{ID: "queries", Name: "Queries", Category: catalog.CategoryVolume,
				ColumnName: "query_id", Expression: "COUNT(DISTINCT `query_id`)", DisplayOrder: 1},
			{ID: "clicks", Name: "Clicks", Category: catalog.CategoryVolume,
				ColumnName: "clicks", DistinctLike: &plainSum, DisplayOrder: 2},
			{ID: "revenue", Name: "Revenue", Category: catalog.CategoryVolume,
				ColumnName: "revenue", DistinctLike: &plainSum, DisplayOrder: 3},
			{ID: "ctr", Name: "CTR", Category: catalog.CategoryDerived,
				Formula: "{clicks} / {queries}", DisplayOrder: 4},
		},
		[]*catalog.DimensionDef{
			{ID: "date", Name: "Date", ColumnName: "event_date", DataType: catalog.TypeDate,
				Filterable: true, Groupable: true, DisplayOrder: 1},
			{ID: "country", Name: "Country", ColumnName: "country_code", DataType: catalog.TypeString,
				Filterable: true, Groupable: true, DisplayOrder: 2},
			{ID: "device", Name: "Device", ColumnName: "device", DataType: catalog.TypeString,
				Filterable: true, Groupable: true, DisplayOrder: 3},
		},
		[]*catalog.Rollup{
			{ID: "rollup_date_country", Table: "rollup_date_country",
				SourceTable: "search_events",
				Dimensions:  []types.DimensionID{"date", "country"},
				Metrics:     []types.MetricID{"queries", "clicks", "revenue"},
				Status:      catalog.StatusReady},
		},
		[]*catalog.CustomDimension{
			{ID: "volume_band", Name: "Volume band", Type: catalog.CustomDimMetricBucket,
				SourceMetric: "clicks",
				Rules: []catalog.BucketRule{
					{Label: "low", Max: &low},
					{Label: "high", Min: &high},
				}},
		},
		nil)
	if err != nil {
		b.Fatal(err)
	}
	return snap
}
