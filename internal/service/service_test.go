package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/orchestrator"
	"marketsync/internal/pipeline"
	"marketsync/internal/ratelimit"
	"marketsync/internal/retry"
	"marketsync/internal/store/memory"
	"marketsync/internal/testutil"
	"marketsync/internal/vendors"
)

func newService(st *memory.Store, adapter vendor.Adapter) *Service {
	log := zerolog.Nop()
	orch := orchestrator.New(
		adapter,
		ratelimit.NewWindow(1000, time.Second),
		ratelimit.NewSemaphore(4),
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 2.0},
		log,
	)
	pipe := pipeline.New(st, 100, 2, log)
	return New(st, orch, pipe, 90, log)
}

func seedCalendar(t *testing.T, st *memory.Store, exchange string, days ...string) {
	t.Helper()
	var docs []entity.Document
	for _, day := range days {
		docs = append(docs, entity.Document{
			"exchange":  exchange,
			"date":      day,
			"datestamp": dates.MustParse(day).Unix(),
		})
	}
	if _, err := st.UpsertBatch(context.Background(), entity.Calendar, docs, entity.Calendar.KeyFields()); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}
}

func calendarRequest(from, to string, preferLocal bool) Request {
	return Request{
		Entity:      entity.Calendar,
		Exchanges:   []string{"SHFE"},
		Range:       dates.NewRange(dates.MustParse(from), dates.MustParse(to)),
		PreferLocal: preferLocal,
	}
}

func TestGet_FullyCoveredServesLocal(t *testing.T) {
	st := memory.New()
	seedCalendar(t, st, "SHFE", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")
	adapter := testutil.NewMockAdapter(nil, nil)
	svc := newService(st, adapter)

	ds, err := svc.Get(context.Background(), calendarRequest("2024-01-02", "2024-01-05", true))
	if err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}
	if got := adapter.Calls.Load(); got != 0 {
		t.Errorf("adapter was called %d times, want 0 for covered range", got)
	}
	if len(ds.Documents) != 4 {
		t.Errorf("Get() returned %d documents, want 4", len(ds.Documents))
	}
	if !ds.Complete {
		t.Error("Complete = false, want true")
	}
}

func TestGet_FetchesOnlyTheGap(t *testing.T) {
	st := memory.New()
	seedCalendar(t, st, "SHFE", "2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")

	var mu sync.Mutex
	var fetched []dates.Range
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			mu.Lock()
			fetched = append(fetched, r)
			mu.Unlock()
			return nil, nil
		},
	}
	svc := newService(st, adapter)

	if _, err := svc.Get(context.Background(), calendarRequest("2024-01-01", "2024-01-10", true)); err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}

	want := dates.NewRange(dates.MustParse("2024-01-06"), dates.MustParse("2024-01-10"))
	if len(fetched) != 1 {
		t.Fatalf("adapter fetched %d ranges, want exactly 1", len(fetched))
	}
	if fetched[0] != want {
		t.Errorf("fetched range = %v, want %v", fetched[0], want)
	}
}

func TestGet_ForcedRefreshFetchesFullRange(t *testing.T) {
	st := memory.New()
	seedCalendar(t, st, "SHFE", "2024-01-02", "2024-01-03")

	var mu sync.Mutex
	var fetched []dates.Range
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			mu.Lock()
			fetched = append(fetched, r)
			mu.Unlock()
			return []entity.Record{
				{"exchange": "SHFE", "cal_date": "20240102"},
				{"exchange": "SHFE", "cal_date": "20240103"},
			}, nil
		},
	}
	svc := newService(st, adapter)

	ds, err := svc.Get(context.Background(), calendarRequest("2024-01-02", "2024-01-03", false))
	if err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}
	if len(fetched) != 1 || fetched[0] != dates.NewRange(dates.MustParse("2024-01-02"), dates.MustParse("2024-01-03")) {
		t.Errorf("forced refresh fetched %v, want the full requested range", fetched)
	}
	if ds.Save == nil || ds.Save.Modified != 2 {
		t.Errorf("forced refresh should re-upsert existing rows as modified, got %+v", ds.Save)
	}
}

func TestGet_EndToEndCalendarScenario(t *testing.T) {
	st := memory.New()
	// Local store pre-seeded with the five trading days 01-01..01-05.
	seedCalendar(t, st, "SHFE", "2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")

	// The vendor has three actual trading days in 01-06..01-10; the
	// weekend days are simply absent from its response.
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			return []entity.Record{
				{"exchange": "SHFE", "cal_date": "20240108"},
				{"exchange": "SHFE", "cal_date": "20240109"},
				{"exchange": "SHFE", "cal_date": "20240110"},
			}, nil
		},
	}
	svc := newService(st, adapter)

	ds, err := svc.Get(context.Background(), calendarRequest("2024-01-01", "2024-01-10", true))
	if err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}

	if ds.Save == nil {
		t.Fatal("Save result missing")
	}
	if ds.Save.Inserted != 3 || ds.Save.Modified != 0 || len(ds.Save.Errors) != 0 {
		t.Errorf("Save = {Inserted:%d Modified:%d Errors:%v}, want {Inserted:3 Modified:0 Errors:[]}",
			ds.Save.Inserted, ds.Save.Modified, ds.Save.Errors)
	}
	if len(ds.Documents) != 8 {
		t.Fatalf("Get() returned %d documents, want 8", len(ds.Documents))
	}
	for i := 1; i < len(ds.Documents); i++ {
		prev, _ := ds.Documents[i-1]["date"].(string)
		cur, _ := ds.Documents[i]["date"].(string)
		if prev > cur {
			t.Errorf("documents not sorted ascending by date: %q before %q", prev, cur)
		}
	}
	if !ds.Complete {
		t.Errorf("Complete = false, want true; errors: %v", ds.Errors)
	}
}

func TestGet_PartialResultOnFetchFailure(t *testing.T) {
	st := memory.New()
	seedCalendar(t, st, "SHFE", "2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")
	adapter := testutil.NewMockAdapter(nil, vendor.NewAuthError("bad token"))
	svc := newService(st, adapter)

	ds, err := svc.Get(context.Background(), calendarRequest("2024-01-01", "2024-01-10", true))
	if err != nil {
		t.Fatalf("Get() should return a partial result, not an error: %v", err)
	}
	if ds.Complete {
		t.Error("Complete = true, want false after a failed fetch")
	}
	if len(ds.Errors) == 0 {
		t.Error("Errors is empty, want the terminal fetch failure recorded")
	}
	if len(ds.Documents) != 5 {
		t.Errorf("Get() returned %d documents, want the 5 locally covered rows", len(ds.Documents))
	}
}

func TestGet_UndatedEntityPrefersLocal(t *testing.T) {
	st := memory.New()
	docs := []entity.Document{
		{"exchange": "SHFE", "symbol": "rb2501", "name": "RB2501"},
	}
	if _, err := st.UpsertBatch(context.Background(), entity.Contract, docs, entity.Contract.KeyFields()); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}
	adapter := testutil.NewMockAdapter(nil, nil)
	svc := newService(st, adapter)

	ds, err := svc.Get(context.Background(), Request{
		Entity:      entity.Contract,
		Exchanges:   []string{"SHFE"},
		PreferLocal: true,
	})
	if err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}
	if adapter.Calls.Load() != 0 {
		t.Error("adapter should not be called when local rows exist")
	}
	if len(ds.Documents) != 1 {
		t.Errorf("Get() returned %d documents, want 1", len(ds.Documents))
	}
}

func TestGet_Validation(t *testing.T) {
	svc := newService(memory.New(), testutil.NewMockAdapter(nil, nil))

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown entity", Request{Entity: "bogus", Exchanges: []string{"SHFE"}}},
		{"no exchanges", Request{Entity: entity.Calendar}},
		{"dated entity without range", Request{Entity: entity.Calendar, Exchanges: []string{"SHFE"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Get(context.Background(), tt.req); err == nil {
				t.Error("Get() expected validation error")
			}
		})
	}
}

func TestSync_DefaultsCalendarRange(t *testing.T) {
	st := memory.New()
	var mu sync.Mutex
	var fetched []dates.Range
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			mu.Lock()
			fetched = append(fetched, r)
			mu.Unlock()
			return nil, nil
		},
	}
	svc := newService(st, adapter)

	result, err := svc.Sync(context.Background(), Request{Entity: entity.Calendar, Exchanges: []string{"SHFE"}})
	if err != nil {
		t.Fatalf("Sync() returned unexpected error: %v", err)
	}
	if !result.Success {
		t.Errorf("Sync() result unsuccessful: %v", result.Errors)
	}

	if len(fetched) == 0 {
		t.Fatal("adapter was never called")
	}
	// Task windows complete in arbitrary order; check the overall span.
	earliest, latest := fetched[0].From, fetched[0].To
	for _, r := range fetched[1:] {
		if r.From.Before(earliest) {
			earliest = r.From
		}
		if latest.Before(r.To) {
			latest = r.To
		}
	}
	today := dates.Today()
	if want := dates.New(today.Year(), 1, 1); earliest != want {
		t.Errorf("default range starts at %s, want %s", earliest, want)
	}
	if latest != today {
		t.Errorf("default range ends at %s, want %s", latest, today)
	}
}

func TestSync_RecordsFetchErrors(t *testing.T) {
	adapter := testutil.NewMockAdapter(nil, vendor.NewAuthError("bad token"))
	svc := newService(memory.New(), adapter)

	result, err := svc.Sync(context.Background(), calendarRequest("2024-01-01", "2024-01-10", false))
	if err != nil {
		t.Fatalf("Sync() returned unexpected error: %v", err)
	}
	if result.Success {
		t.Error("Success = true, want false when a fetch fails terminally")
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want the single terminal fetch failure", result.Errors)
	}
}
