// Package main implements the unified pivora binary.
// This binary can run both services (query, rollup) concurrently or
// individual services based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pivora/pivora/internal/app"
	"github.com/pivora/pivora/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configFile  string
		dataDir     string
		mode        string
		table       string
		httpQuery   string
		httpRollup  string
		driver      string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "all", "Service mode: all, query, rollup")
	flag.StringVar(&table, "table", "", "Source table the pivot API serves")
	flag.StringVar(&httpQuery, "http-query", "", "HTTP address for query service")
	flag.StringVar(&httpRollup, "http-rollup", "", "HTTP address for rollup service")
	flag.StringVar(&driver, "warehouse-driver", "", "Warehouse driver: sqlite, clickhouse")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Pivora - Rollup-Routed Pivot Queries For Search Analytics\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pivora [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pivora --data-dir /data/pivora\n")
		fmt.Fprintf(os.Stderr, "  pivora --mode query --data-dir /data/pivora\n")
		fmt.Fprintf(os.Stderr, "  pivora --config /etc/pivora/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_MODE              Service mode (all, query, rollup)\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_DATA_DIR          Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_TABLE             Source table the pivot API serves\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_HTTP_*_ADDR       HTTP addresses for services\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_WAREHOUSE_DRIVER  Warehouse driver (sqlite, clickhouse)\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_CLICKHOUSE_ADDR   ClickHouse addresses, comma separated\n")
		fmt.Fprintf(os.Stderr, "  PIVORA_STORAGE_TYPE      Shared cache tier storage (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("pivora version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := loadConfig(configFile, dataDir, mode, table, httpQuery, httpRollup, driver)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print startup banner
	printBanner(cfg)

	// Create and start the application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	// Graceful shutdown
	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, table, httpQuery, httpRollup, driver string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if table != "" {
		cfg.Table = table
	}
	if httpQuery != "" {
		cfg.HTTP.QueryAddr = httpQuery
	}
	if httpRollup != "" {
		cfg.HTTP.RollupAddr = httpRollup
	}
	if driver != "" {
		cfg.Warehouse.Driver = driver
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                       PIVORA                              ║")
	log.Printf("║    Rollup-Routed Pivot Queries For Search Analytics       ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:      %s", cfg.Mode)
	log.Printf("  Data Dir:  %s", cfg.DataDir)
	log.Printf("  Table:     %s", cfg.Table)
	log.Printf("  Warehouse: %s", cfg.Warehouse.Driver)
	log.Printf("")

	if cfg.ShouldRunQuery() {
		log.Printf("Query Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.QueryAddr)
		log.Printf("  Cache Dir: %s", cfg.Cache.Dir)
	}

	if cfg.ShouldRunRollup() {
		log.Printf("Rollup Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.RollupAddr)
		log.Printf("  Scan Interval: %v", cfg.Rollup.ScanInterval)
	}

	log.Printf("")
}
