package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"marketsync/internal/entity"
	"marketsync/internal/store"
	"marketsync/internal/store/memory"
)

func newPipeline(st store.Adapter, batchSize int) *Pipeline {
	return New(st, batchSize, 2, zerolog.Nop())
}

func calendarRecords(exchange string, compactDates ...string) []entity.Record {
	var records []entity.Record
	for _, d := range compactDates {
		records = append(records, entity.Record{"exchange": exchange, "cal_date": d, "is_open": float64(1)})
	}
	return records
}

func TestRun_Idempotence(t *testing.T) {
	st := memory.New()
	p := newPipeline(st, 2)
	ctx := context.Background()
	raw := calendarRecords("SHFE", "20240102", "20240103", "20240104", "20240105", "20240108")

	first := p.Run(ctx, entity.Calendar, raw, nil)
	if !first.Success {
		t.Fatalf("first run failed: %v", first.Errors)
	}
	if first.Inserted != 5 || first.Modified != 0 {
		t.Errorf("first run = {Inserted:%d Modified:%d}, want {Inserted:5 Modified:0}", first.Inserted, first.Modified)
	}

	second := p.Run(ctx, entity.Calendar, raw, nil)
	if !second.Success {
		t.Fatalf("second run failed: %v", second.Errors)
	}
	if second.Inserted != 0 || second.Modified != 5 {
		t.Errorf("second run = {Inserted:%d Modified:%d}, want {Inserted:0 Modified:5}", second.Inserted, second.Modified)
	}
	if got := st.Len(entity.Calendar); got != 5 {
		t.Errorf("store holds %d documents, want 5", got)
	}
}

func TestRun_DedupLastSeenWins(t *testing.T) {
	st := memory.New()
	p := newPipeline(st, 100)
	ctx := context.Background()

	// Two records share the natural key (SHFE, 2024-01-02); the later one
	// carries a marker field and must win.
	raw := []entity.Record{
		{"exchange": "SHFE", "cal_date": "20240102", "note": "first"},
		{"exchange": "SHFE", "cal_date": "20240103"},
		{"exchange": "SHFE", "cal_date": "20240102", "note": "second"},
	}

	result := p.Run(ctx, entity.Calendar, raw, nil)
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2 (duplicate keys collapse)", result.Inserted)
	}

	docs, err := st.Query(ctx, entity.Calendar, store.Filter{})
	if err != nil {
		t.Fatalf("Query() returned unexpected error: %v", err)
	}
	for _, doc := range docs {
		if doc["date"] == "2024-01-02" && doc["note"] != "second" {
			t.Errorf("duplicate resolution kept %v, want the last-seen record", doc["note"])
		}
	}
}

func TestRun_DropsMalformedRecords(t *testing.T) {
	st := memory.New()
	p := newPipeline(st, 100)

	raw := []entity.Record{
		{"exchange": "SHFE", "cal_date": "20240102"},
		{"exchange": "SHFE", "cal_date": "garbage"},
		{"exchange": "SHFE"},
		{"exchange": "SHFE", "cal_date": "20240103"},
	}

	result := p.Run(context.Background(), entity.Calendar, raw, nil)
	if !result.Success {
		t.Errorf("malformed records should not fail the run: %v", result.Errors)
	}
	if result.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", result.Dropped)
	}
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", result.Inserted)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	p := newPipeline(memory.New(), 100)
	result := p.Run(context.Background(), entity.Calendar, nil, nil)
	if !result.Success || result.Inserted != 0 || result.Modified != 0 {
		t.Errorf("empty input should be a successful no-op, got %+v", result)
	}
}

// flakyStore fails the first UpsertBatch calls for configured batches, then
// delegates to the in-memory store.
type flakyStore struct {
	*memory.Store
	failuresLeft int
}

func (f *flakyStore) UpsertBatch(ctx context.Context, typ entity.Type, docs []entity.Document, keyFields []string) (store.UpsertStats, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return store.UpsertStats{}, &store.StorageError{Collection: typ.Collection(), Op: "upsert", Cause: errors.New("write refused")}
	}
	return f.Store.UpsertBatch(ctx, typ, docs, keyFields)
}

func TestRun_BatchFailureRetriedOnce(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failuresLeft: 1}
	p := newPipeline(st, 100)

	result := p.Run(context.Background(), entity.Calendar, calendarRecords("SHFE", "20240102", "20240103"), nil)
	if !result.Success {
		t.Fatalf("a single batch failure should be absorbed by the retry: %v", result.Errors)
	}
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", result.Inserted)
	}
}

func TestRun_RepeatedBatchFailureContinues(t *testing.T) {
	// Two batches; the first fails both tries, the second succeeds.
	st := &flakyStore{Store: memory.New(), failuresLeft: 2}
	p := newPipeline(st, 2)

	raw := calendarRecords("SHFE", "20240102", "20240103", "20240104", "20240105")
	result := p.Run(context.Background(), entity.Calendar, raw, nil)

	if result.Success {
		t.Error("a batch failing twice should mark the result unsuccessful")
	}
	var se *store.StorageError
	if len(result.Errors) != 1 || !errors.As(result.Errors[0], &se) {
		t.Errorf("Errors = %v, want one *store.StorageError", result.Errors)
	}
	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2 (remaining batches continue)", result.Inserted)
	}
}
