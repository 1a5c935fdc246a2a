// Package testutil provides mock implementations shared by the engine's
// tests.
package testutil

import (
	"context"
	"sync/atomic"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
)

// MockAdapter is a mock implementation of the vendor.Adapter interface.
type MockAdapter struct {
	FetchFunc func(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error)
	NameFunc  func() string

	// Calls counts Fetch invocations across goroutines.
	Calls atomic.Int64
}

// Fetch implements the vendor.Adapter interface.
func (m *MockAdapter) Fetch(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error) {
	m.Calls.Add(1)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, typ, scope, r)
	}
	return nil, nil
}

// Name implements the vendor.Adapter interface.
func (m *MockAdapter) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// NewMockAdapter creates a mock adapter returning fixed records or a fixed
// error for every fetch.
func NewMockAdapter(records []entity.Record, err error) *MockAdapter {
	return &MockAdapter{
		FetchFunc: func(context.Context, entity.Type, entity.Scope, dates.Range) ([]entity.Record, error) {
			return records, err
		},
	}
}

// CalendarRecord builds a raw calendar record the way the vendor returns
// it: compact dates, exchange code.
func CalendarRecord(exchange, compactDate string) entity.Record {
	return entity.Record{
		"exchange":      exchange,
		"cal_date":      compactDate,
		"is_open":       float64(1),
		"pretrade_date": "",
	}
}
