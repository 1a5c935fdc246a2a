// Package store defines the adapter interface to the local document store,
// the coverage model used by the incremental sync, and the registry mapping
// configured store names to constructors.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
)

// Filter narrows a query to a scope and, for dated entities, a date range.
// A zero Range means no date constraint.
type Filter struct {
	Scope entity.Scope
	Range dates.Range
}

// UpsertStats reports the outcome of one batch upsert: documents inserted
// (no prior match on the natural key) and documents modified (prior match
// replaced).
type UpsertStats struct {
	Inserted int
	Modified int
}

// StorageError marks a failed write against the local store. The pipeline
// retries the batch once and then records the error without aborting the
// remaining batches.
type StorageError struct {
	Collection string
	Op         string
	Cause      error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s on %s failed: %v", e.Op, e.Collection, e.Cause)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Adapter queries and writes canonical documents in the local store.
// Implementations must make UpsertBatch atomic per document on the natural
// key, so concurrent writers converge last-writer-wins without
// application-level locking.
type Adapter interface {
	// Query returns the stored documents of typ matching the filter, in no
	// particular order.
	Query(ctx context.Context, typ entity.Type, f Filter) ([]entity.Document, error)

	// UpsertBatch writes docs matching on keyFields, replacing existing
	// documents and inserting new ones.
	UpsertBatch(ctx context.Context, typ entity.Type, docs []entity.Document, keyFields []string) (UpsertStats, error)

	// EnsureIndex creates the unique natural-key index for typ. Idempotent;
	// a no-op when the index already exists.
	EnsureIndex(ctx context.Context, typ entity.Type) error

	// Coverage returns the contiguous date ranges of typ already persisted
	// for the scope. Undated entity types report empty coverage.
	Coverage(ctx context.Context, typ entity.Type, scope entity.Scope) (Coverage, error)

	// Close releases the underlying connection.
	Close() error
}

// Coverage is the set of date ranges already persisted locally for one
// (entity type, scope), kept sorted and disjoint.
type Coverage struct {
	Ranges []dates.Range
}

// NewCoverage builds a normalized Coverage from arbitrary ranges.
func NewCoverage(ranges ...dates.Range) Coverage {
	return Coverage{Ranges: dates.Merge(ranges)}
}

// Contains reports whether the requested range lies entirely inside one of
// the covered ranges.
func (c Coverage) Contains(r dates.Range) bool {
	for _, covered := range c.Ranges {
		if covered.ContainsRange(r) {
			return true
		}
	}
	return false
}

// Gaps returns the sub-ranges of r not covered, sorted and disjoint. The
// only ranges for which remote fetch is triggered.
func (c Coverage) Gaps(r dates.Range) []dates.Range {
	return r.Subtract(c.Ranges)
}

// CoverageFromDates derives coverage from the individual dates present in
// stored documents, coalescing consecutive days into contiguous ranges.
// Weekend and holiday gaps up to maxGapDays apart still count as contiguous,
// since the vendor legitimately has no records for closed days.
func CoverageFromDates(ds []dates.Date, maxGapDays int) Coverage {
	if len(ds) == 0 {
		return Coverage{}
	}
	sorted := make([]dates.Date, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	if maxGapDays < 1 {
		maxGapDays = 1
	}
	var ranges []dates.Range
	current := dates.NewRange(sorted[0], sorted[0])
	for _, d := range sorted[1:] {
		if d.Sub(current.To) <= maxGapDays {
			if d.After(current.To) {
				current.To = d
			}
			continue
		}
		ranges = append(ranges, current)
		current = dates.NewRange(d, d)
	}
	ranges = append(ranges, current)
	return Coverage{Ranges: ranges}
}

// Constructor builds a store adapter from its configuration settings.
type Constructor func(settings map[string]string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a store constructor available under name. Called from
// store implementation packages at init time.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New resolves name to a registered constructor and builds the adapter.
func New(name string, settings map[string]string) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store %q (registered: %v)", name, Names())
	}
	return ctor(settings)
}

// Names returns the registered store names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
