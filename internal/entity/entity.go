// Package entity defines the entity types the engine synchronizes, their
// natural keys, and the normalization from raw vendor records to canonical
// documents.
package entity

import (
	"fmt"
	"strings"
)

// Type identifies one synchronized entity type. Each type maps to one
// collection in the local store.
type Type string

const (
	// Calendar is one trading day of one exchange.
	Calendar Type = "calendar"
	// Contract is one futures contract listing.
	Contract Type = "contract"
	// DailyBar is one daily OHLCV price bar of one contract.
	DailyBar Type = "daily"
	// Holding is one broker position snapshot for one contract and day.
	Holding Type = "holding"
	// StockListing is one listed stock.
	StockListing Type = "stock"
)

// Record is a flat raw vendor record, field name to scalar value.
type Record map[string]any

// Scope narrows a request to one exchange and, optionally, a symbol set.
type Scope struct {
	Exchange string
	Symbols  []string
}

// String formats the scope for logging and coverage keys.
func (s Scope) String() string {
	if len(s.Symbols) == 0 {
		return s.Exchange
	}
	return s.Exchange + ":" + strings.Join(s.Symbols, ",")
}

// Document is a flat canonical document ready for storage. It always carries
// the natural-key fields of its entity type.
type Document map[string]any

// Collection returns the store collection name for the type, matching the
// collection names of the upstream data layout.
func (t Type) Collection() string {
	switch t {
	case Calendar:
		return "trade_date"
	case Contract:
		return "future_contracts"
	case DailyBar:
		return "future_daily"
	case Holding:
		return "future_holdings"
	case StockListing:
		return "stock_list"
	}
	return string(t)
}

// KeyFields returns the ordered natural-key field tuple for the type.
func (t Type) KeyFields() []string {
	switch t {
	case Calendar:
		return []string{"exchange", "date"}
	case Contract:
		return []string{"exchange", "symbol"}
	case DailyBar:
		return []string{"exchange", "symbol", "date"}
	case Holding:
		return []string{"exchange", "symbol", "broker", "date"}
	case StockListing:
		return []string{"exchange", "symbol"}
	}
	return nil
}

// Dated reports whether the type carries a per-record date, and therefore
// participates in coverage tracking and date-range fetches.
func (t Type) Dated() bool {
	switch t {
	case Calendar, DailyBar, Holding:
		return true
	}
	return false
}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case Calendar, Contract, DailyBar, Holding, StockListing:
		return true
	}
	return false
}

// OrderFields returns the natural ordering of returned datasets: date first
// for dated entities, then the remaining key fields.
func (t Type) OrderFields() []string {
	if !t.Dated() {
		return t.KeyFields()
	}
	fields := []string{"date"}
	for _, f := range t.KeyFields() {
		if f != "date" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Key returns the natural-key value of the document as a single string,
// suitable for in-batch dedup and for deterministic store record ids.
func (t Type) Key(doc Document) (string, error) {
	parts := make([]string, 0, 4)
	for _, field := range t.KeyFields() {
		v, ok := doc[field]
		if !ok || v == nil || v == "" {
			return "", fmt.Errorf("document missing key field %q for entity %s", field, t)
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "|"), nil
}
