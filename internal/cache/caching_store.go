package cache

import (
	"context"
	"log"

	"github.com/pivora/pivora/internal/tabular"
)

// CachingStore wraps a tabular.Store with the result cache. Fetches are
// looked up by spec fingerprint before hitting the warehouse; results are
// offered back to the cache afterwards, where the admission policy decides
// whether to keep them. Everything else passes through, except that
// materializing or dropping a table invalidates its cached results.
type CachingStore struct {
	inner tabular.Store
	cache *ResultCache
}

// NewCachingStore wraps inner with cache. The caller keeps ownership of the
// cache's lifecycle; Close only closes the inner store.
func NewCachingStore(inner tabular.Store, cache *ResultCache) *CachingStore {
	return &CachingStore{inner: inner, cache: cache}
}

// Execute serves the fetch from cache when possible.
func (s *CachingStore) Execute(ctx context.Context, spec *tabular.GroupedFetchSpec) ([]tabular.Row, error) {
	fp := Fingerprint(spec)

	if payload, ok := s.cache.Get(ctx, spec.Table, fp); ok {
		rows, err := decodeRows(payload)
		if err == nil {
			return rows, nil
		}
		// A corrupt payload falls through to a live fetch.
		log.Printf("cache: decode %s/%s failed: %v", spec.Table, fp, err)
		s.cache.removeEntry(spec.Table + "/" + fp)
	}

	rows, err := s.inner.Execute(ctx, spec)
	if err != nil {
		return nil, err
	}

	payload, err := encodeRows(rows)
	if err != nil {
		log.Printf("cache: encode %s/%s failed: %v", spec.Table, fp, err)
		return rows, nil
	}
	if err := s.cache.Put(ctx, spec.Table, fp, payload); err != nil {
		log.Printf("cache: store %s/%s failed: %v", spec.Table, fp, err)
	}
	return rows, nil
}

// CountGroups is not cached; count fetches are cheap single-row scans.
func (s *CachingStore) CountGroups(ctx context.Context, spec *tabular.GroupedFetchSpec) (int, error) {
	return s.inner.CountGroups(ctx, spec)
}

// MaterializeInto rebuilds a table, so its cached results are dropped.
func (s *CachingStore) MaterializeInto(ctx context.Context, table string, spec *tabular.GroupedFetchSpec) (int64, error) {
	n, err := s.inner.MaterializeInto(ctx, table, spec)
	if err == nil {
		s.cache.InvalidateTable(table)
	}
	return n, err
}

// DropTable removes a table and its cached results.
func (s *CachingStore) DropTable(ctx context.Context, table string) error {
	err := s.inner.DropTable(ctx, table)
	if err == nil {
		s.cache.InvalidateTable(table)
	}
	return err
}

// Dialect reports the inner adapter's dialect.
func (s *CachingStore) Dialect() string {
	return s.inner.Dialect()
}

// Close closes the inner store. The cache is shared and closed by its owner.
func (s *CachingStore) Close() error {
	return s.inner.Close()
}
