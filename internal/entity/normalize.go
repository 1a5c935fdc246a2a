package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/dates"
)

// ValidationError marks a single malformed raw record. The pipeline drops
// the record with a warning and continues with the rest of the batch.
type ValidationError struct {
	Entity Type
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record: field %q: %s", e.Entity, e.Field, e.Reason)
}

// Normalizer converts one raw vendor record into a canonical document.
// A ValidationError return drops the record; any other error aborts the
// normalization stage.
type Normalizer func(Record) (Document, error)

// vendor column names mapped to canonical field names.
var renameMap = map[string]string{
	"vol":        "volume",
	"oi":         "open_interest",
	"oi_chg":     "open_interest_chg",
	"trade_date": "date",
	"cal_date":   "date",
	"pre_close":  "prev_close",
	"pre_settle": "prev_settle",
	"fut_code":   "spec_code",
}

// vendor exchange suffixes (as found in codes like "rb2501.SHF") mapped to
// canonical exchange codes.
var exchangeMap = map[string]string{
	"SHF": SHFE,
	"ZCE": CZCE,
	"CFX": CFFEX,
	"GFE": GFEX,
	"SH":  SSE,
	"SZ":  SZSE,
	"BJ":  BSE,
}

// numeric canonical fields coerced to float64 when present.
var numericFields = map[string]bool{
	"open": true, "high": true, "low": true, "close": true,
	"settle": true, "prev_close": true, "prev_settle": true,
	"volume": true, "amount": true, "open_interest": true, "open_interest_chg": true,
	"vol_chg": true, "long_hld": true, "long_chg": true, "short_hld": true, "short_chg": true,
}

// NormalizerFor returns the canonical Normalizer for the entity type.
func NormalizerFor(t Type) Normalizer {
	return func(raw Record) (Document, error) {
		return normalize(t, raw)
	}
}

// normalize renames vendor columns, splits composite vendor codes, fixes
// symbol case, canonicalizes dates, coerces numerics, derives datestamp and
// validates the natural-key fields.
func normalize(t Type, raw Record) (Document, error) {
	doc := make(Document, len(raw)+2)
	for field, value := range raw {
		if canonical, ok := renameMap[field]; ok {
			field = canonical
		}
		doc[field] = value
	}

	// Only trading days are stored, so is_open carries no information.
	if t == Calendar {
		delete(doc, "is_open")
	}

	if code, ok := doc["ts_code"].(string); ok {
		symbol, exchange, err := splitVendorCode(code)
		if err != nil {
			return nil, &ValidationError{Entity: t, Field: "ts_code", Reason: err.Error()}
		}
		if _, present := doc["symbol"]; !present {
			doc["symbol"] = symbol
		}
		if _, present := doc["exchange"]; !present {
			doc["exchange"] = exchange
		}
		delete(doc, "ts_code")
	}

	if symbol, ok := doc["symbol"].(string); ok {
		doc["symbol"] = normalizeSymbolCase(symbol, fmt.Sprint(doc["exchange"]))
	}

	for _, field := range []string{"date", "list_date", "delist_date"} {
		raw, ok := doc[field].(string)
		if !ok || raw == "" {
			continue
		}
		d, err := parseVendorDate(raw)
		if err != nil {
			return nil, &ValidationError{Entity: t, Field: field, Reason: err.Error()}
		}
		doc[field] = d.String()
		if field == "date" {
			doc["datestamp"] = d.Unix()
		}
	}

	for field, value := range doc {
		if !numericFields[field] {
			continue
		}
		f, err := toFloat(value)
		if err != nil {
			return nil, &ValidationError{Entity: t, Field: field, Reason: err.Error()}
		}
		doc[field] = f
	}

	for _, field := range t.KeyFields() {
		if v, ok := doc[field]; !ok || v == nil || v == "" {
			return nil, &ValidationError{Entity: t, Field: field, Reason: "missing natural key field"}
		}
	}
	return doc, nil
}

// splitVendorCode splits a composite vendor code like "rb2501.SHF" into
// symbol and canonical exchange.
func splitVendorCode(code string) (symbol, exchange string, err error) {
	symbol, suffix, found := strings.Cut(code, ".")
	if !found || symbol == "" || suffix == "" {
		return "", "", fmt.Errorf("malformed vendor code %q", code)
	}
	if mapped, ok := exchangeMap[suffix]; ok {
		return symbol, mapped, nil
	}
	return symbol, suffix, nil
}

// normalizeSymbolCase applies per-exchange symbol case conventions: CZCE and
// CFFEX list upper-case symbols, the other futures exchanges lower-case.
func normalizeSymbolCase(symbol, exchange string) string {
	switch exchange {
	case CZCE, CFFEX, SSE, SZSE, BSE:
		return strings.ToUpper(symbol)
	case SHFE, DCE, INE, GFEX:
		return strings.ToLower(symbol)
	}
	return symbol
}

// parseVendorDate accepts the canonical YYYY-MM-DD form and the compact
// YYYYMMDD form vendors commonly return.
func parseVendorDate(s string) (dates.Date, error) {
	if d, err := dates.Parse(s); err == nil {
		return d, nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return dates.Date{}, fmt.Errorf("unparseable date %q", s)
	}
	return dates.New(t.Date()), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", x)
		}
		return f, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("non-numeric value %v", v)
}
