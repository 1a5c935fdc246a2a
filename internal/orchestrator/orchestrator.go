// Package orchestrator expands logical fetch requests into independent
// tasks and executes them concurrently under the rate limiter, the
// concurrency bound and the retry policy, aggregating records and terminal
// errors without letting one failing task abort its siblings.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/ratelimit"
	"marketsync/internal/retry"
	"marketsync/internal/vendors"
)

// Task is the atomic unit of concurrency: one entity type, one scope, one
// date window. Tasks are independent of each other.
type Task struct {
	Entity entity.Type
	Scope  entity.Scope
	Range  dates.Range
}

// String formats the task for logs and error messages.
func (t Task) String() string {
	if !t.Range.Valid() {
		return fmt.Sprintf("%s/%s", t.Entity, t.Scope)
	}
	return fmt.Sprintf("%s/%s/%s", t.Entity, t.Scope, t.Range)
}

// Result is the outcome of one task: records on success, a terminal error
// otherwise. Attempts counts the tries the retry policy made.
type Result struct {
	Task     Task
	Records  []entity.Record
	Attempts int
	Err      error
}

// TaskError wraps a terminal task failure with the task it belongs to.
type TaskError struct {
	Task     Task
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.Task, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Orchestrator runs fetch tasks against one vendor adapter. The window and
// semaphore are shared across calls so the configured ceilings hold
// process-wide.
type Orchestrator struct {
	adapter vendor.Adapter
	window  *ratelimit.Window
	sem     *ratelimit.Semaphore
	policy  retry.Policy
	log     zerolog.Logger
}

// New returns an orchestrator executing fetches through adapter under the
// given limits and retry policy.
func New(adapter vendor.Adapter, window *ratelimit.Window, sem *ratelimit.Semaphore, policy retry.Policy, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		adapter: adapter,
		window:  window,
		sem:     sem,
		policy:  policy,
		log:     log.With().Str("vendor", adapter.Name()).Logger(),
	}
}

// Expand partitions a logical request into independent tasks, one per
// exchange and date window of at most partitionDays days. Undated entity
// types yield one task per exchange with a zero range.
func Expand(typ entity.Type, scopes []entity.Scope, r dates.Range, partitionDays int) []Task {
	var tasks []Task
	for _, scope := range scopes {
		if !typ.Dated() || !r.Valid() {
			tasks = append(tasks, Task{Entity: typ, Scope: scope})
			continue
		}
		for _, window := range r.Partition(partitionDays) {
			tasks = append(tasks, Task{Entity: typ, Scope: scope, Range: window})
		}
	}
	return tasks
}

// Run executes the tasks concurrently, bounded by the semaphore, and
// returns all fetched records in no particular order together with the
// terminal errors of failed tasks. A failing task never aborts siblings;
// context cancellation stops admission of further work and surfaces as a
// TaskError per unfinished task.
func (o *Orchestrator) Run(ctx context.Context, tasks []Task) ([]entity.Record, []error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	results := make(chan Result, len(tasks))
	p := pool.New().WithMaxGoroutines(o.sem.Cap())
	for _, task := range tasks {
		task := task
		p.Go(func() {
			results <- o.runTask(ctx, task)
		})
	}
	go func() {
		p.Wait()
		close(results)
	}()

	var records []entity.Record
	var errs []error
	for res := range results {
		if res.Err != nil {
			o.log.Warn().Stringer("task", res.Task).Int("attempts", res.Attempts).Err(res.Err).Msg("fetch task failed")
			errs = append(errs, &TaskError{Task: res.Task, Attempts: res.Attempts, Err: res.Err})
			continue
		}
		o.log.Debug().Stringer("task", res.Task).Int("attempts", res.Attempts).Int("records", len(res.Records)).Msg("fetch task done")
		records = append(records, res.Records...)
	}
	return records, errs
}

// runTask executes one task: rate-limit admission, a concurrency permit
// held for the duration of the vendor call, and the retry policy around the
// call itself.
func (o *Orchestrator) runTask(ctx context.Context, task Task) Result {
	var records []entity.Record
	attempts, err := o.policy.Do(ctx, func(ctx context.Context) error {
		if err := o.window.Acquire(ctx); err != nil {
			return err
		}
		if err := o.sem.Acquire(ctx); err != nil {
			return err
		}
		defer o.sem.Release()

		fetched, err := o.adapter.Fetch(ctx, task.Entity, task.Scope, task.Range)
		if err != nil {
			return err
		}
		records = fetched
		return nil
	})
	return Result{Task: task, Records: records, Attempts: attempts, Err: err}
}
