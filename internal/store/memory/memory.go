// Package memory provides an in-process StorageAdapter keeping documents in
// maps keyed by natural key. It backs tests and offline runs; the surreal
// package is the durable counterpart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/store"
)

func init() {
	store.Register("memory", func(map[string]string) (store.Adapter, error) {
		return New(), nil
	})
}

// Store is an in-memory document store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]entity.Document
	indexes     map[string]bool

	// MaxCoverageGapDays tolerates non-trading days when deriving coverage
	// from stored dates. Defaults to 10, enough for week-long market
	// holidays.
	MaxCoverageGapDays int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		collections:        make(map[string]map[string]entity.Document),
		indexes:            make(map[string]bool),
		MaxCoverageGapDays: 10,
	}
}

// Query implements store.Adapter.
func (s *Store) Query(ctx context.Context, typ entity.Type, f store.Filter) ([]entity.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.Document
	for _, doc := range s.collections[typ.Collection()] {
		if !matches(doc, f) {
			continue
		}
		out = append(out, clone(doc))
	}
	return out, nil
}

// UpsertBatch implements store.Adapter. Each document is replaced or
// inserted atomically under the natural key.
func (s *Store) UpsertBatch(ctx context.Context, typ entity.Type, docs []entity.Document, keyFields []string) (store.UpsertStats, error) {
	if err := ctx.Err(); err != nil {
		return store.UpsertStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := typ.Collection()
	coll := s.collections[name]
	if coll == nil {
		coll = make(map[string]entity.Document)
		s.collections[name] = coll
	}

	var stats store.UpsertStats
	for _, doc := range docs {
		key, err := docKey(doc, keyFields)
		if err != nil {
			return stats, &store.StorageError{Collection: name, Op: "upsert", Cause: err}
		}
		if _, exists := coll[key]; exists {
			stats.Modified++
		} else {
			stats.Inserted++
		}
		coll[key] = clone(doc)
	}
	return stats, nil
}

// EnsureIndex implements store.Adapter. Uniqueness is inherent in the
// key-addressed maps, so this only records that the index exists.
func (s *Store) EnsureIndex(_ context.Context, typ entity.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[typ.Collection()] = true
	return nil
}

// Coverage implements store.Adapter, deriving contiguous ranges from the
// dates of the stored documents in scope.
func (s *Store) Coverage(ctx context.Context, typ entity.Type, scope entity.Scope) (store.Coverage, error) {
	if !typ.Dated() {
		return store.Coverage{}, nil
	}
	docs, err := s.Query(ctx, typ, store.Filter{Scope: scope})
	if err != nil {
		return store.Coverage{}, err
	}
	var ds []dates.Date
	for _, doc := range docs {
		raw, _ := doc["date"].(string)
		d, err := dates.Parse(raw)
		if err != nil {
			continue
		}
		ds = append(ds, d)
	}
	return store.CoverageFromDates(ds, s.MaxCoverageGapDays), nil
}

// Close implements store.Adapter.
func (s *Store) Close() error { return nil }

// Len returns the number of documents stored for the entity type.
func (s *Store) Len(typ entity.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[typ.Collection()])
}

func matches(doc entity.Document, f store.Filter) bool {
	if f.Scope.Exchange != "" && doc["exchange"] != f.Scope.Exchange {
		return false
	}
	if len(f.Scope.Symbols) > 0 {
		symbol, _ := doc["symbol"].(string)
		found := false
		for _, want := range f.Scope.Symbols {
			if symbol == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Range.Valid() {
		raw, _ := doc["date"].(string)
		d, err := dates.Parse(raw)
		if err != nil || !f.Range.Contains(d) {
			return false
		}
	}
	return true
}

func docKey(doc entity.Document, keyFields []string) (string, error) {
	key := ""
	for i, field := range keyFields {
		v, ok := doc[field]
		if !ok {
			return "", fmt.Errorf("document missing key field %q", field)
		}
		if i > 0 {
			key += "|"
		}
		key += fmt.Sprint(v)
	}
	return key, nil
}

func clone(doc entity.Document) entity.Document {
	c := make(entity.Document, len(doc))
	for k, v := range doc {
		c[k] = v
	}
	return c
}
