package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pivora/pivora/internal/bloom"
	"github.com/pivora/pivora/internal/notify"
	"github.com/pivora/pivora/internal/storage"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits       int64
	SharedHits int64
	Misses     int64
	Admitted   int64
	Rejected   int64
	Evictions  int64
	Entries    int64
	SizeBytes  int64
}

type counters struct {
	hits       atomic.Int64
	sharedHits atomic.Int64
	misses     atomic.Int64
	admitted   atomic.Int64
	rejected   atomic.Int64
	evictions  atomic.Int64
	entries    atomic.Int64
	sizeBytes  atomic.Int64
}

// Config holds result cache settings.
type Config struct {
	// Dir is the local tier directory.
	Dir string
	// MaxBytes bounds the local tier; eviction trims to 90% of it.
	MaxBytes int64
	// Shared is an optional second tier consulted on local misses and
	// populated asynchronously on admission. May be nil.
	Shared storage.ObjectStorage
	// AdmissionItems sizes the admission bloom filter (default 100000
	// fingerprints at a 1% false positive rate).
	AdmissionItems int
}

// ResultCache is a bounded disk cache of compressed fetch payloads keyed by
// table and spec fingerprint. Payloads are admitted on second sight: the
// first Put for a fingerprint only records the sighting, the second stores
// the payload. One-off queries therefore never consume cache space.
type ResultCache struct {
	dir      string
	maxBytes int64
	shared   storage.ObjectStorage
	seen     *bloom.Filter
	stats    counters
	index    sync.Map // "table/fingerprint" → *entry
	evictCh  chan struct{}
	jobs     chan sharedJob
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type entry struct {
	path        string
	size        int64
	lastAccess  atomic.Int64
	accessCount atomic.Int64
}

// sharedJob is asynchronous shared-tier maintenance: an upload after local
// admission, or a prefix invalidation after a rollup refresh.
type sharedJob struct {
	objectPath string
	data       []byte
	prefix     string // set for invalidations
}

// NewResultCache creates the cache, rebuilds the index from files left by a
// previous run, and starts the maintenance worker.
func NewResultCache(cfg Config) (*ResultCache, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache: MaxBytes must be positive, got %d", cfg.MaxBytes)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	admission := cfg.AdmissionItems
	if admission <= 0 {
		admission = 100000
	}

	c := &ResultCache{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		shared:   cfg.Shared,
		seen:     bloom.NewWithEstimates(admission, 0.01),
		evictCh:  make(chan struct{}, 1),
		jobs:     make(chan sharedJob, 128),
		stopCh:   make(chan struct{}),
	}
	if err := c.scanExisting(); err != nil {
		return nil, fmt.Errorf("cache: scan existing entries: %w", err)
	}

	c.wg.Add(1)
	go c.worker()
	return c, nil
}

// Close stops the maintenance worker. Cached files stay on disk for the
// next run.
func (c *ResultCache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns the cached payload for the fingerprint, consulting the shared
// tier on a local miss.
func (c *ResultCache) Get(ctx context.Context, table, fingerprint string) ([]byte, bool) {
	key := table + "/" + fingerprint
	if v, ok := c.index.Load(key); ok {
		e := v.(*entry)
		data, err := os.ReadFile(e.path)
		if err == nil {
			e.lastAccess.Store(time.Now().UnixNano())
			e.accessCount.Add(1)
			c.stats.hits.Add(1)
			return data, true
		}
		// File vanished under us (eviction race); drop the stale entry.
		c.removeEntry(key)
	}

	if c.shared != nil {
		data, err := c.shared.Get(ctx, c.objectPath(table, fingerprint))
		if err == nil {
			c.stats.sharedHits.Add(1)
			// A shared hit already proved reuse; store locally without the
			// admission gate.
			if err := c.writeEntry(key, table, fingerprint, data); err != nil {
				log.Printf("cache: local store after shared hit failed: %v", err)
			}
			return data, true
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			log.Printf("cache: shared tier get failed: %v", err)
		}
	}

	c.stats.misses.Add(1)
	return nil, false
}

// Put offers a payload for caching. First sight of a fingerprint is only
// recorded; second sight stores locally and, when configured, uploads to
// the shared tier asynchronously.
func (c *ResultCache) Put(ctx context.Context, table, fingerprint string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := table + "/" + fingerprint
	if _, ok := c.index.Load(key); ok {
		return nil
	}

	if !c.seen.Contains([]byte(key)) {
		c.seen.Add([]byte(key))
		c.stats.rejected.Add(1)
		return nil
	}

	if err := c.writeEntry(key, table, fingerprint, data); err != nil {
		return err
	}
	c.stats.admitted.Add(1)

	if c.shared != nil {
		select {
		case c.jobs <- sharedJob{objectPath: c.objectPath(table, fingerprint), data: data}:
		default:
			log.Printf("cache: shared upload queue full, skipping %s", key)
		}
	}
	return nil
}

// InvalidateTable drops every entry whose spec fetched from table, locally
// and (asynchronously) in the shared tier. Called when a rollup refresh
// rewrites the table's contents.
func (c *ResultCache) InvalidateTable(table string) {
	prefix := table + "/"
	dropped := 0
	c.index.Range(func(k, _ interface{}) bool {
		key := k.(string)
		if strings.HasPrefix(key, prefix) {
			if c.removeEntry(key) {
				dropped++
			}
		}
		return true
	})
	if dropped > 0 {
		log.Printf("cache: invalidated %d entries for table %s", dropped, table)
	}

	if c.shared != nil {
		select {
		case c.jobs <- sharedJob{prefix: "results/" + table + "/"}:
		default:
			log.Printf("cache: shared invalidation queue full for table %s", table)
		}
	}
}

// Clear drops every local entry. The shared tier is left alone; its entries
// are keyed by spec shape and simply stop being requested.
func (c *ResultCache) Clear() {
	c.index.Range(func(k, _ interface{}) bool {
		c.removeEntry(k.(string))
		return true
	})
}

// Watch applies bus events until the channel closes: catalog changes clear
// the local tier, rollup transitions invalidate the affected table.
func (c *ResultCache) Watch(events <-chan notify.Event) {
	for ev := range events {
		switch ev.Kind {
		case notify.CatalogChanged:
			log.Printf("cache: catalog changed, clearing local tier")
			c.Clear()
		case notify.RollupReady, notify.RollupStale:
			if ev.Table != "" {
				c.InvalidateTable(ev.Table)
			}
		}
	}
}

// Stats returns current counters.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:       c.stats.hits.Load(),
		SharedHits: c.stats.sharedHits.Load(),
		Misses:     c.stats.misses.Load(),
		Admitted:   c.stats.admitted.Load(),
		Rejected:   c.stats.rejected.Load(),
		Evictions:  c.stats.evictions.Load(),
		Entries:    c.stats.entries.Load(),
		SizeBytes:  c.stats.sizeBytes.Load(),
	}
}

// HitRate returns the fraction of lookups served from either tier, as a
// percentage.
func (c *ResultCache) HitRate() float64 {
	s := c.Stats()
	total := s.Hits + s.SharedHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits+s.SharedHits) / float64(total) * 100
}

// scanExisting rebuilds the index from cache files left by a previous run.
func (c *ResultCache) scanExisting() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		base := strings.TrimSuffix(name, ".bin")
		sep := strings.LastIndex(base, "-")
		if sep <= 0 || sep == len(base)-1 {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}

		key := base[:sep] + "/" + base[sep+1:]
		e := &entry{path: filepath.Join(c.dir, name), size: info.Size()}
		e.lastAccess.Store(time.Now().UnixNano())
		c.index.Store(key, e)
		c.stats.entries.Add(1)
		c.stats.sizeBytes.Add(info.Size())
		// Entries that survived a restart have proven themselves.
		c.seen.Add([]byte(key))
	}
	return nil
}

func (c *ResultCache) writeEntry(key, table, fingerprint string, data []byte) error {
	path := filepath.Join(c.dir, table+"-"+fingerprint+".bin")

	tmp, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("cache: write entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: write entry: %w", err)
	}

	e := &entry{path: path, size: int64(len(data))}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)
	c.index.Store(key, e)
	c.stats.entries.Add(1)
	c.stats.sizeBytes.Add(e.size)

	if c.stats.sizeBytes.Load() > c.maxBytes {
		select {
		case c.evictCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// removeEntry drops an entry from the index and disk. Counters are adjusted
// even if the file is already gone, keeping accounting tied to the index.
func (c *ResultCache) removeEntry(key string) bool {
	v, ok := c.index.LoadAndDelete(key)
	if !ok {
		return false
	}
	e := v.(*entry)
	os.Remove(e.path)
	c.stats.entries.Add(-1)
	c.stats.sizeBytes.Add(-e.size)
	return true
}

// worker runs eviction and shared-tier maintenance until Close.
func (c *ResultCache) worker() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.performEviction()
			return
		case <-c.evictCh:
			c.performEviction()
		case <-ticker.C:
			c.performEviction()
		case j := <-c.jobs:
			c.runSharedJob(j)
		}
	}
}

// performEviction trims the local tier to 90% of MaxBytes, least used and
// least recently accessed first.
func (c *ResultCache) performEviction() {
	target := int64(float64(c.maxBytes) * 0.9)
	if c.stats.sizeBytes.Load() <= target {
		return
	}

	type candidate struct {
		key        string
		count      int64
		lastAccess int64
	}
	var candidates []candidate
	c.index.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		candidates = append(candidates, candidate{
			key:        k.(string),
			count:      e.accessCount.Load(),
			lastAccess: e.lastAccess.Load(),
		})
		return true
	})

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	for _, cand := range candidates {
		if c.stats.sizeBytes.Load() <= target {
			break
		}
		if c.removeEntry(cand.key) {
			c.stats.evictions.Add(1)
			log.Printf("cache: evicted %s", cand.key)
		}
	}
}

func (c *ResultCache) runSharedJob(j sharedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if j.prefix != "" {
		objects, err := c.shared.List(ctx, j.prefix)
		if err != nil {
			log.Printf("cache: shared invalidation list failed: %v", err)
			return
		}
		for _, obj := range objects {
			if err := c.shared.Delete(ctx, obj); err != nil {
				log.Printf("cache: shared delete %s failed: %v", obj, err)
			}
		}
		return
	}

	if err := c.shared.Put(ctx, j.objectPath, j.data); err != nil {
		log.Printf("cache: shared upload %s failed: %v", j.objectPath, err)
	}
}

func (c *ResultCache) objectPath(table, fingerprint string) string {
	return "results/" + table + "/" + fingerprint
}
