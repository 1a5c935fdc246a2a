// Package pipeline turns raw fetched records into canonical documents and
// persists them idempotently: normalize, dedup by natural key, ensure the
// unique index, batch and upsert. Partial failure never aborts the run;
// every problem ends up in the SaveResult.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"marketsync/internal/entity"
	"marketsync/internal/store"
)

// SaveResult reports the outcome of one pipeline run. Counters and errors
// accumulate across batches; Success is false as soon as one error is
// recorded.
type SaveResult struct {
	Success  bool
	Inserted int
	Modified int
	Dropped  int
	Errors   []error

	start time.Time
	end   time.Time
}

func newSaveResult() *SaveResult {
	return &SaveResult{Success: true, start: time.Now()}
}

// AddError records a failure without stopping the run.
func (r *SaveResult) AddError(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err)
}

func (r *SaveResult) complete() *SaveResult {
	r.end = time.Now()
	return r
}

// Duration returns how long the run took.
func (r *SaveResult) Duration() time.Duration {
	if r.end.IsZero() {
		return time.Since(r.start)
	}
	return r.end.Sub(r.start)
}

// Pipeline persists raw records through a store adapter.
type Pipeline struct {
	store     store.Adapter
	batchSize int
	workers   int
	log       zerolog.Logger
}

// New returns a pipeline writing to st in batches of batchSize documents,
// normalizing on at most workers goroutines.
func New(st store.Adapter, batchSize, workers int, log zerolog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 500
	}
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{store: st, batchSize: batchSize, workers: workers, log: log}
}

// Run normalizes, deduplicates and upserts the raw records of one entity
// type. Re-running with identical input is a no-op on Inserted: every
// document matches on its natural key the second time and counts as
// Modified instead.
func (p *Pipeline) Run(ctx context.Context, typ entity.Type, raw []entity.Record, normalize entity.Normalizer) *SaveResult {
	result := newSaveResult()
	defer result.complete()

	if len(raw) == 0 {
		return result
	}
	if normalize == nil {
		normalize = entity.NormalizerFor(typ)
	}

	docs := p.normalizeAll(typ, raw, normalize, result)
	docs = p.dedup(typ, docs, result)
	if len(docs) == 0 {
		return result
	}

	if err := p.store.EnsureIndex(ctx, typ); err != nil {
		// Upserts still match on the key fields without the index; record
		// and continue.
		result.AddError(err)
	}

	keyFields := typ.KeyFields()
	for start := 0; start < len(docs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		p.upsertBatch(ctx, typ, docs[start:end], keyFields, result)
		if ctx.Err() != nil {
			result.AddError(ctx.Err())
			break
		}
	}

	p.log.Info().
		Str("entity", string(typ)).
		Int("raw", len(raw)).
		Int("inserted", result.Inserted).
		Int("modified", result.Modified).
		Int("dropped", result.Dropped).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration()).
		Msg("pipeline run finished")
	return result
}

// normalizeAll maps raw records to canonical documents on a bounded worker
// pool; normalization is the only CPU-bound stage of the engine. Malformed
// records are dropped with a warning and the batch continues.
func (p *Pipeline) normalizeAll(typ entity.Type, raw []entity.Record, normalize entity.Normalizer, result *SaveResult) []entity.Document {
	type outcome struct {
		doc entity.Document
		err error
	}
	mapper := iter.Mapper[entity.Record, outcome]{MaxGoroutines: p.workers}
	outcomes := mapper.Map(raw, func(r *entity.Record) outcome {
		doc, err := normalize(*r)
		return outcome{doc: doc, err: err}
	})

	docs := make([]entity.Document, 0, len(outcomes))
	for _, o := range outcomes {
		if o.err != nil {
			result.Dropped++
			var ve *entity.ValidationError
			if errors.As(o.err, &ve) {
				p.log.Warn().Str("entity", string(typ)).Err(o.err).Msg("dropping malformed record")
			} else {
				result.AddError(o.err)
			}
			continue
		}
		docs = append(docs, o.doc)
	}
	return docs
}

// dedup collapses documents sharing a natural key. Last-seen-wins: within
// one batch a later record supersedes an earlier one with the same key,
// matching the final state an upsert sequence would have produced. Output
// preserves first-seen order, so the result is deterministic for any fixed
// input order.
func (p *Pipeline) dedup(typ entity.Type, docs []entity.Document, result *SaveResult) []entity.Document {
	deduped := make([]entity.Document, 0, len(docs))
	index := make(map[string]int, len(docs))
	for _, doc := range docs {
		key, err := typ.Key(doc)
		if err != nil {
			result.Dropped++
			p.log.Warn().Str("entity", string(typ)).Err(err).Msg("dropping keyless record")
			continue
		}
		if at, seen := index[key]; seen {
			deduped[at] = doc
			continue
		}
		index[key] = len(deduped)
		deduped = append(deduped, doc)
	}
	return deduped
}

// upsertBatch writes one batch, retrying once at batch granularity before
// recording the failure and moving on.
func (p *Pipeline) upsertBatch(ctx context.Context, typ entity.Type, batch []entity.Document, keyFields []string, result *SaveResult) {
	stats, err := p.store.UpsertBatch(ctx, typ, batch, keyFields)
	if err != nil {
		p.log.Warn().Str("entity", string(typ)).Int("batch", len(batch)).Err(err).Msg("batch upsert failed, retrying once")
		stats, err = p.store.UpsertBatch(ctx, typ, batch, keyFields)
	}
	if err != nil {
		var se *store.StorageError
		if !errors.As(err, &se) {
			err = &store.StorageError{Collection: typ.Collection(), Op: "upsert", Cause: err}
		}
		result.AddError(err)
		return
	}
	result.Inserted += stats.Inserted
	result.Modified += stats.Modified
}
