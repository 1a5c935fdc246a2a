package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/ratelimit"
	"marketsync/internal/retry"
	"marketsync/internal/testutil"
	"marketsync/internal/vendors"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 2.0}
}

func newOrchestrator(adapter vendor.Adapter, concurrency int) *Orchestrator {
	return New(
		adapter,
		ratelimit.NewWindow(1000, time.Second),
		ratelimit.NewSemaphore(concurrency),
		fastPolicy(),
		zerolog.Nop(),
	)
}

func someTasks(n int) []Task {
	r := dates.NewRange(dates.MustParse("2024-01-01"), dates.MustParse("2024-01-10"))
	tasks := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, Task{Entity: entity.Calendar, Scope: entity.Scope{Exchange: "SHFE"}, Range: r})
	}
	return tasks
}

func TestExpand(t *testing.T) {
	scopes := []entity.Scope{{Exchange: "SHFE"}, {Exchange: "DCE"}}
	r := dates.NewRange(dates.MustParse("2024-01-01"), dates.MustParse("2024-01-10"))

	tests := []struct {
		name          string
		typ           entity.Type
		partitionDays int
		want          int
	}{
		{"dated entity partitions per exchange", entity.Calendar, 5, 4},
		{"dated entity single window", entity.Calendar, 30, 2},
		{"undated entity ignores range", entity.Contract, 5, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := Expand(tt.typ, scopes, r, tt.partitionDays)
			if len(tasks) != tt.want {
				t.Errorf("Expand() produced %d tasks, want %d", len(tasks), tt.want)
			}
		})
	}
}

func TestRun_AggregatesRecords(t *testing.T) {
	adapter := testutil.NewMockAdapter([]entity.Record{
		{"exchange": "SHFE", "cal_date": "20240102"},
	}, nil)
	o := newOrchestrator(adapter, 4)

	records, errs := o.Run(context.Background(), someTasks(5))
	if len(errs) != 0 {
		t.Fatalf("Run() returned unexpected errors: %v", errs)
	}
	if len(records) != 5 {
		t.Errorf("Run() returned %d records, want 5 (one per task)", len(records))
	}
	if got := adapter.Calls.Load(); got != 5 {
		t.Errorf("adapter was called %d times, want 5", got)
	}
}

func TestRun_FailingTaskDoesNotAbortSiblings(t *testing.T) {
	var calls atomic.Int64
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			if calls.Add(1) == 1 {
				return nil, vendor.NewAuthError("bad token")
			}
			return []entity.Record{{"exchange": scope.Exchange, "cal_date": "20240102"}}, nil
		},
	}
	o := newOrchestrator(adapter, 1)

	records, errs := o.Run(context.Background(), someTasks(4))
	if len(errs) != 1 {
		t.Fatalf("Run() returned %d errors, want 1: %v", len(errs), errs)
	}
	var taskErr *TaskError
	if !errors.As(errs[0], &taskErr) {
		t.Errorf("error = %v, want *TaskError", errs[0])
	}
	if len(records) != 3 {
		t.Errorf("Run() returned %d records, want 3 from the surviving tasks", len(records))
	}
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			if calls.Add(1) < 3 {
				return nil, vendor.NewServerError(503)
			}
			return []entity.Record{{"exchange": "SHFE", "cal_date": "20240102"}}, nil
		},
	}
	o := newOrchestrator(adapter, 1)

	records, errs := o.Run(context.Background(), someTasks(1))
	if len(errs) != 0 {
		t.Fatalf("Run() returned unexpected errors: %v", errs)
	}
	if len(records) != 1 {
		t.Errorf("Run() returned %d records, want 1", len(records))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("adapter was called %d times, want 3 (two retries)", got)
	}
}

func TestRun_TerminalFailureCarriesAttempts(t *testing.T) {
	adapter := testutil.NewMockAdapter(nil, vendor.NewServerError(503))
	o := newOrchestrator(adapter, 1)

	_, errs := o.Run(context.Background(), someTasks(1))
	if len(errs) != 1 {
		t.Fatalf("Run() returned %d errors, want 1", len(errs))
	}
	var taskErr *TaskError
	if !errors.As(errs[0], &taskErr) {
		t.Fatalf("error = %v, want *TaskError", errs[0])
	}
	if taskErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", taskErr.Attempts)
	}
	var exhausted *retry.ExhaustedError
	if !errors.As(errs[0], &exhausted) {
		t.Errorf("terminal error should wrap *retry.ExhaustedError, got %v", errs[0])
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	const limit = 3
	var current, max atomic.Int64
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			n := current.Add(1)
			for {
				m := max.Load()
				if n <= m || max.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		},
	}
	o := newOrchestrator(adapter, limit)

	o.Run(context.Background(), someTasks(12))
	if got := max.Load(); got > limit {
		t.Errorf("concurrent fetches peaked at %d, limit is %d", got, limit)
	}
}

func TestRun_NoTasks(t *testing.T) {
	o := newOrchestrator(testutil.NewMockAdapter(nil, nil), 2)
	records, errs := o.Run(context.Background(), nil)
	if records != nil || errs != nil {
		t.Errorf("Run() with no tasks = (%v, %v), want (nil, nil)", records, errs)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	adapter := &testutil.MockAdapter{
		FetchFunc: func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []entity.Record{{"exchange": "SHFE", "cal_date": "20240102"}}, nil
			}
		},
	}
	o := newOrchestrator(adapter, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	records, errs := o.Run(ctx, someTasks(3))
	if len(records) != 0 {
		t.Errorf("Run() returned %d records, want 0", len(records))
	}
	if len(errs) != 3 {
		t.Errorf("Run() returned %d errors, want one per cancelled task", len(errs))
	}
}
