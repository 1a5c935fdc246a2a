// Package service is the top-level read and sync path. Reads are served
// from the local store whenever coverage allows, remote fetches are issued
// only for the uncovered gap, and results are merged, persisted and
// returned in natural order.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/orchestrator"
	"marketsync/internal/pipeline"
	"marketsync/internal/store"
)

// Request describes one read or sync call.
type Request struct {
	Entity    entity.Type
	Exchanges []string
	Symbols   []string
	Range     dates.Range

	// PreferLocal serves fully covered requests from the store without
	// touching the vendor. False forces a full remote refresh.
	PreferLocal bool
}

func (r Request) scopes() []entity.Scope {
	scopes := make([]entity.Scope, 0, len(r.Exchanges))
	for _, exchange := range r.Exchanges {
		scopes = append(scopes, entity.Scope{Exchange: exchange, Symbols: r.Symbols})
	}
	return scopes
}

// Dataset is the merged result of one read call. Errors lists terminal
// fetch and storage failures; Complete is false when the dataset may be
// missing rows because of them.
type Dataset struct {
	Documents []entity.Document
	Save      *pipeline.SaveResult
	Errors    []error
	Complete  bool
}

// Service wires the orchestrator, the pipeline and the store into the
// coverage-aware data access path.
type Service struct {
	store         store.Adapter
	orch          *orchestrator.Orchestrator
	pipe          *pipeline.Pipeline
	partitionDays int
	grace         time.Duration
	log           zerolog.Logger
}

// New returns a service. partitionDays is the fetch-window granularity;
// grace bounds the persist-and-reread work still done after the caller's
// deadline expired mid-fetch.
func New(st store.Adapter, orch *orchestrator.Orchestrator, pipe *pipeline.Pipeline, partitionDays int, log zerolog.Logger) *Service {
	if partitionDays <= 0 {
		partitionDays = 90
	}
	return &Service{
		store:         st,
		orch:          orch,
		pipe:          pipe,
		partitionDays: partitionDays,
		grace:         5 * time.Second,
		log:           log,
	}
}

// Get serves a read. Per call the flow is check coverage → fetch gap (if
// any) → persist → read → return; nothing is retained across calls beyond
// what the store holds.
func (s *Service) Get(ctx context.Context, req Request) (*Dataset, error) {
	if err := validate(req, true); err != nil {
		return nil, err
	}

	tasks, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		docs, err := s.read(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Dataset{Documents: docs, Complete: true}, nil
	}

	records, fetchErrs := s.orch.Run(ctx, tasks)

	// The caller's deadline may have expired mid-fetch; persist and reread
	// what did arrive within the grace window so partial data is never
	// dropped on the floor.
	tail := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tail, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.grace)
		defer cancel()
	}

	save := s.pipe.Run(tail, req.Entity, records, nil)
	docs, err := s.read(tail, req)
	if err != nil {
		return nil, err
	}

	errs := append(fetchErrs, save.Errors...)
	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("deadline expired before full coverage of %s: %w", req.Range, ctx.Err()))
	}
	return &Dataset{
		Documents: docs,
		Save:      save,
		Errors:    errs,
		Complete:  len(errs) == 0,
	}, nil
}

// Sync fetches the full requested range remotely and persists it, without
// reading back. The sync entry point of scheduled refreshes.
func (s *Service) Sync(ctx context.Context, req Request) (*pipeline.SaveResult, error) {
	if err := validate(req, false); err != nil {
		return nil, err
	}
	req.Range = s.defaultRange(req)

	tasks := orchestrator.Expand(req.Entity, req.scopes(), req.Range, s.partitionDays)
	records, fetchErrs := s.orch.Run(ctx, tasks)
	result := s.pipe.Run(ctx, req.Entity, records, nil)
	for _, err := range fetchErrs {
		result.AddError(err)
	}
	return result, nil
}

// plan decides which fetch tasks the request needs: none when local
// coverage suffices, the uncovered gaps when it partially does, the full
// range on a forced refresh.
func (s *Service) plan(ctx context.Context, req Request) ([]orchestrator.Task, error) {
	if !req.PreferLocal {
		return orchestrator.Expand(req.Entity, req.scopes(), req.Range, s.partitionDays), nil
	}

	if !req.Entity.Dated() {
		// No date coverage to consult; local rows win if any exist.
		docs, err := s.read(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return nil, nil
		}
		return orchestrator.Expand(req.Entity, req.scopes(), req.Range, s.partitionDays), nil
	}

	var tasks []orchestrator.Task
	for _, scope := range req.scopes() {
		coverage, err := s.store.Coverage(ctx, req.Entity, scope)
		if err != nil {
			return nil, err
		}
		for _, gap := range coverage.Gaps(req.Range) {
			for _, window := range gap.Partition(s.partitionDays) {
				tasks = append(tasks, orchestrator.Task{Entity: req.Entity, Scope: scope, Range: window})
			}
		}
	}
	return tasks, nil
}

// read queries the store for every requested scope and returns the union
// sorted by the entity's natural order.
func (s *Service) read(ctx context.Context, req Request) ([]entity.Document, error) {
	var docs []entity.Document
	for _, scope := range req.scopes() {
		f := store.Filter{Scope: scope}
		if req.Entity.Dated() {
			f.Range = req.Range
		}
		part, err := s.store.Query(ctx, req.Entity, f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, part...)
	}
	sortDocuments(req.Entity, docs)
	return docs, nil
}

// defaultRange fills the sync default: calendar ranges default to
// start-of-year through today when the request leaves them empty.
func (s *Service) defaultRange(req Request) dates.Range {
	if req.Range.Valid() || !req.Entity.Dated() {
		return req.Range
	}
	today := dates.Today()
	return dates.NewRange(dates.New(today.Year(), 1, 1), today)
}

func validate(req Request, requireRange bool) error {
	if !req.Entity.Valid() {
		return fmt.Errorf("unknown entity type %q", req.Entity)
	}
	if len(req.Exchanges) == 0 {
		return fmt.Errorf("request needs at least one exchange")
	}
	if requireRange && req.Entity.Dated() && !req.Range.Valid() {
		return fmt.Errorf("dated entity %s needs a date range", req.Entity)
	}
	return nil
}

// sortDocuments orders the dataset by the entity's natural ordering key:
// date first for dated entities, then the remaining key fields.
func sortDocuments(typ entity.Type, docs []entity.Document) {
	fields := typ.OrderFields()
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a := fmt.Sprint(docs[i][f])
			b := fmt.Sprint(docs[j][f])
			if a != b {
				return a < b
			}
		}
		return false
	})
}
