// Package app provides the unified application lifecycle management for Pivora.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/pivora/pivora/internal/api/http"
	"github.com/pivora/pivora/internal/cache"
	"github.com/pivora/pivora/internal/catalog"
	"github.com/pivora/pivora/internal/config"
	"github.com/pivora/pivora/internal/notify"
	"github.com/pivora/pivora/internal/observability"
	"github.com/pivora/pivora/internal/query/engine"
	"github.com/pivora/pivora/internal/rollup"
	"github.com/pivora/pivora/internal/server"
	"github.com/pivora/pivora/internal/storage"
	"github.com/pivora/pivora/internal/tabular"
)

// Bus subscriber IDs owned by the app.
const (
	cacheSubscriberID  = "app-result-cache"
	engineSubscriberID = "app-engine-reload"
)

// App manages all Pivora service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	catalog     *catalog.Store
	warehouse   tabular.Store // raw adapter
	store       tabular.Store // cache-wrapped adapter used by the services
	resultCache *cache.ResultCache
	bus         *notify.Bus
	shutdown    *server.ShutdownManager

	// Query service components
	reloader *engine.Reloader
	stats    *observability.RoutingStats
	advisor  *observability.Advisor

	// Rollup daemon (constructed for every mode so refresh requests work,
	// its scan loop only runs in rollup mode)
	rollupDaemon *rollup.Daemon

	// Service servers
	queryServer  *http.Server
	rollupServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Initialize shared resources
	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	// Start services based on mode
	if a.cfg.ShouldRunQuery() {
		if err := a.startQueryService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start query service: %w", err)
		}
	}

	if a.cfg.ShouldRunRollup() {
		if err := a.startRollupService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start rollup service: %w", err)
		}
	}

	log.Printf("Pivora started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources initializes the warehouse adapter, catalog store,
// result cache, notify bus, rollup daemon, and shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	// Initialize the warehouse adapter
	switch a.cfg.Warehouse.Driver {
	case "sqlite":
		a.warehouse, err = tabular.OpenSQLite(a.cfg.Warehouse.Path)
	case "clickhouse":
		a.warehouse, err = tabular.NewClickHouseStore(tabular.ClickHouseOptions{
			Addr:     a.cfg.Warehouse.ClickHouse.Addr,
			Database: a.cfg.Warehouse.ClickHouse.Database,
			Username: a.cfg.Warehouse.ClickHouse.Username,
			Password: a.cfg.Warehouse.ClickHouse.Password,
		})
	default:
		return fmt.Errorf("unsupported warehouse driver: %s", a.cfg.Warehouse.Driver)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize warehouse: %w", err)
	}
	log.Printf("Warehouse initialized: driver=%s", a.cfg.Warehouse.Driver)

	// Initialize the shared cache tier when enabled
	var sharedTier storage.ObjectStorage
	if a.cfg.Cache.SharedTier {
		switch a.cfg.Storage.Type {
		case "local":
			sharedTier, err = storage.NewLocalStorage(a.cfg.Storage.Path)
		case "s3":
			s3Cfg := storage.DefaultS3Config()
			if a.cfg.Storage.S3.Region != "" {
				s3Cfg.Region = a.cfg.Storage.S3.Region
			}
			if a.cfg.Storage.S3.Endpoint != "" {
				s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
			}
			sharedTier, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
		default:
			return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
		}
		if err != nil {
			return fmt.Errorf("failed to initialize shared cache tier: %w", err)
		}
		log.Printf("Shared cache tier initialized: type=%s", a.cfg.Storage.Type)
		if a.cfg.Storage.Type == "s3" {
			log.Printf("S3 Config: Bucket=%s, Region=%s, Endpoint=%s",
				a.cfg.Storage.S3.Bucket, a.cfg.Storage.S3.Region, a.cfg.Storage.S3.Endpoint)
		}
	}

	// Initialize the result cache and wrap the warehouse with it
	a.resultCache, err = cache.NewResultCache(cache.Config{
		Dir:            a.cfg.Cache.Dir,
		MaxBytes:       a.cfg.Cache.MaxBytes,
		Shared:         sharedTier,
		AdmissionItems: a.cfg.Cache.AdmissionItems,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize result cache: %w", err)
	}
	a.store = cache.NewCachingStore(a.warehouse, a.resultCache)
	log.Printf("Result cache initialized: dir=%s, max_bytes=%d", a.cfg.Cache.Dir, a.cfg.Cache.MaxBytes)

	// Initialize the catalog store
	a.catalog, err = catalog.NewStore(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	log.Printf("Catalog initialized: %s", a.cfg.CatalogPath())

	// Initialize the notify bus and hook cache invalidation to it
	a.bus = notify.NewBus(16)
	cacheSub := a.bus.Subscribe(cacheSubscriberID)
	go a.resultCache.Watch(cacheSub.Ch)

	// The rollup daemon exists in every mode so refresh requests can mark
	// rollups stale; only the rollup service starts its scan loop.
	builder := rollup.NewMaterializer(a.store, a.catalog)
	a.rollupDaemon = rollup.NewDaemon(rollup.Config{
		ScanInterval: a.cfg.Rollup.ScanInterval,
		BuildTimeout: a.cfg.Rollup.BuildTimeout,
		BackoffBase:  a.cfg.Rollup.BackoffBase,
		BackoffMax:   a.cfg.Rollup.BackoffMax,
	}, a.catalog, builder, a.bus)

	// Initialize shutdown manager
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.OnShutdownStart(func() {
		log.Printf("Draining in-flight requests...")
	})

	return nil
}

// startQueryService starts the pivot query HTTP server.
func (a *App) startQueryService(ctx context.Context) error {
	// Routing stats feed the rollup advisor
	a.stats = observability.NewRoutingStats(a.cfg.Advisor.Window)
	a.advisor = observability.NewAdvisor(a.stats, a.cfg.Advisor.Threshold, a.cfg.Advisor.MaxResults)

	// The reloader swaps the engine snapshot when rollups change
	reloader, err := engine.NewReloader(ctx, a.catalog, a.store, a.cfg.Table, a.stats)
	if err != nil {
		return fmt.Errorf("failed to load catalog snapshot for table %s: %w", a.cfg.Table, err)
	}
	a.reloader = reloader
	engineSub := a.bus.Subscribe(engineSubscriberID)
	go a.reloader.Watch(engineSub.Ch)
	log.Printf("Query engine initialized: table=%s", a.cfg.Table)

	// Create HTTP handlers
	pivotHandler := httpapi.NewPivotHandler(a.reloader)
	routeHandler := httpapi.NewRouteHandler(a.reloader)
	rollupsHandler := httpapi.NewRollupsHandler(a.catalog, a.cfg.Table, a.rollupDaemon)
	recsHandler := httpapi.NewRecommendationsHandler(a.advisor)

	// Setup HTTP server with middleware
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	mux.Handle("/v1/pivot", middleware(pivotHandler))
	mux.Handle("/v1/route", middleware(routeHandler))
	mux.Handle("/v1/rollups", middleware(rollupsHandler))
	mux.Handle("/v1/rollups/", middleware(rollupsHandler))
	mux.Handle("/v1/recommendations", middleware(recsHandler))
	mux.HandleFunc("/health", a.healthHandler("pivora-query"))

	a.queryServer = &http.Server{
		Addr:         a.cfg.HTTP.QueryAddr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.queryServer, 10*time.Second))

	// Start HTTP server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Query HTTP server listening on %s", a.cfg.HTTP.QueryAddr)
		if err := a.queryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Query HTTP server error: %v", err)
		}
	}()

	return nil
}

// startRollupService starts the rollup daemon and its HTTP server.
func (a *App) startRollupService(ctx context.Context) error {
	// Setup HTTP server for health checks, rollup admin, and manual scans
	rollupsHandler := httpapi.NewRollupsHandler(a.catalog, a.cfg.Table, a.rollupDaemon)

	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	mux.Handle("/v1/rollups", middleware(rollupsHandler))
	mux.Handle("/v1/rollups/", middleware(rollupsHandler))
	mux.HandleFunc("/health", a.healthHandler("pivora-rollup"))
	mux.HandleFunc("/trigger", a.triggerHandler())

	a.rollupServer = &http.Server{
		Addr:         a.cfg.HTTP.RollupAddr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.rollupServer, 10*time.Second))

	// Start HTTP server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Rollup HTTP server listening on %s", a.cfg.HTTP.RollupAddr)
		if err := a.rollupServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Rollup HTTP server error: %v", err)
		}
	}()

	// Start rollup daemon
	if err := a.rollupDaemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start rollup daemon: %w", err)
	}
	log.Printf("Rollup daemon started: scan_interval=%s, build_timeout=%s",
		a.cfg.Rollup.ScanInterval, a.cfg.Rollup.BuildTimeout)

	return nil
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	// Cancel context to signal all services
	if a.cancel != nil {
		a.cancel()
	}

	// Stop the rollup daemon first so no build is in flight when the
	// warehouse closes
	if a.cfg.ShouldRunRollup() && a.rollupDaemon != nil {
		if err := a.rollupDaemon.Stop(); err != nil {
			log.Printf("Rollup daemon stop error: %v", err)
		}
	}

	// Drain in-flight requests and close the HTTP servers
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}

	// Close bus subscriptions so the watch goroutines exit
	if a.bus != nil {
		a.bus.Unsubscribe(cacheSubscriberID)
		a.bus.Unsubscribe(engineSubscriberID)
	}

	// Wait for server goroutines to finish
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines finished
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	// Cleanup resources
	a.cleanup()

	log.Printf("Pivora stopped")
	return nil
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.advisor != nil {
		a.advisor.Close()
	}

	if a.resultCache != nil {
		a.resultCache.Close()
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("Warehouse close error: %v", err)
		}
	}

	if a.catalog != nil {
		a.catalog.Close()
	}
}

// healthHandler returns a health check handler for the given service.
func (a *App) healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"%s","mode":"%s"}`, service, a.cfg.Mode)
	}
}

// triggerHandler returns a handler for manually triggering a rollup scan.
func (a *App) triggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if a.rollupDaemon == nil {
			http.Error(w, "Rollup daemon not running", http.StatusServiceUnavailable)
			return
		}

		log.Printf("Manual rollup scan triggered")
		go a.rollupDaemon.RunOnce(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted","message":"Rollup scan triggered"}`))
	}
}
