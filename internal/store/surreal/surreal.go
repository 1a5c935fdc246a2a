// Package surreal backs the StorageAdapter with a SurrealDB document store
// over the websocket RPC client. Documents are addressed by a deterministic
// record id derived from the natural key, so upserts are atomic per key and
// concurrent writers converge last-writer-wins.
package surreal

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
	"marketsync/internal/store"
)

func init() {
	store.Register("surreal", func(settings map[string]string) (store.Adapter, error) {
		return Open(Settings{
			URL:       settings["url"],
			Namespace: settings["namespace"],
			Database:  settings["database"],
			User:      settings["user"],
			Pass:      settings["pass"],
		})
	})
}

// Settings configures the SurrealDB connection.
type Settings struct {
	URL       string
	Namespace string
	Database  string
	User      string
	Pass      string
}

// Store is a SurrealDB-backed document store.
type Store struct {
	db *surrealdb.DB

	// MaxCoverageGapDays tolerates non-trading days when deriving coverage
	// from stored dates.
	MaxCoverageGapDays int
}

// Open connects, authenticates and selects the configured namespace and
// database.
func Open(s Settings) (*Store, error) {
	db, err := surrealdb.New(s.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb at %s: %w", s.URL, err)
	}
	if s.User != "" {
		if _, err := db.Signin(map[string]any{"user": s.User, "pass": s.Pass}); err != nil {
			db.Close()
			return nil, fmt.Errorf("surrealdb signin: %w", err)
		}
	}
	if _, err := db.Use(s.Namespace, s.Database); err != nil {
		db.Close()
		return nil, fmt.Errorf("surrealdb use %s/%s: %w", s.Namespace, s.Database, err)
	}
	return &Store{db: db, MaxCoverageGapDays: 10}, nil
}

// Query implements store.Adapter.
func (s *Store) Query(ctx context.Context, typ entity.Type, f store.Filter) ([]entity.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sql, vars := selectStatement(typ, f)
	rows, err := s.rows(sql, vars)
	if err != nil {
		return nil, &store.StorageError{Collection: typ.Collection(), Op: "query", Cause: err}
	}
	docs := make([]entity.Document, 0, len(rows))
	for _, row := range rows {
		delete(row, "id")
		docs = append(docs, entity.Document(row))
	}
	return docs, nil
}

// UpsertBatch implements store.Adapter. Each document becomes one
// UPDATE ... CONTENT against its key-derived record id; an existence probe
// beforehand distinguishes inserts from modifications.
func (s *Store) UpsertBatch(ctx context.Context, typ entity.Type, docs []entity.Document, keyFields []string) (store.UpsertStats, error) {
	var stats store.UpsertStats
	table := typ.Collection()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		key, err := typ.Key(doc)
		if err != nil {
			return stats, &store.StorageError{Collection: table, Op: "upsert", Cause: err}
		}
		id := recordID(key)

		// The probe and the UPDATE are two statements, so two writers
		// racing on the same key can both count an insert. The documents
		// still converge last-writer-wins; only the Inserted/Modified split
		// can overcount inserts in that window.
		existing, err := s.rows("SELECT id FROM type::thing($tb, $id)", map[string]any{"tb": table, "id": id})
		if err != nil {
			return stats, &store.StorageError{Collection: table, Op: "upsert", Cause: err}
		}
		if _, err := s.db.Query("UPDATE type::thing($tb, $id) CONTENT $doc", map[string]any{
			"tb": table, "id": id, "doc": map[string]any(doc),
		}); err != nil {
			return stats, &store.StorageError{Collection: table, Op: "upsert", Cause: err}
		}
		if len(existing) > 0 {
			stats.Modified++
		} else {
			stats.Inserted++
		}
	}
	return stats, nil
}

// EnsureIndex implements store.Adapter. DEFINE INDEX is idempotent in
// SurrealDB; redefining an identical index is a no-op.
func (s *Store) EnsureIndex(ctx context.Context, typ entity.Type) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	table := typ.Collection()
	stmt := fmt.Sprintf(
		"DEFINE INDEX %s_natural_key ON %s COLUMNS %s UNIQUE",
		table, table, strings.Join(typ.KeyFields(), ", "),
	)
	if _, err := s.db.Query(stmt, nil); err != nil {
		return &store.StorageError{Collection: table, Op: "define index", Cause: err}
	}
	return nil
}

// Coverage implements store.Adapter, deriving contiguous ranges from stored
// dates in scope.
func (s *Store) Coverage(ctx context.Context, typ entity.Type, scope entity.Scope) (store.Coverage, error) {
	if !typ.Dated() {
		return store.Coverage{}, nil
	}
	docs, err := s.Query(ctx, typ, store.Filter{Scope: scope})
	if err != nil {
		return store.Coverage{}, err
	}
	var ds []dates.Date
	for _, doc := range docs {
		raw, _ := doc["date"].(string)
		d, err := dates.Parse(raw)
		if err != nil {
			continue
		}
		ds = append(ds, d)
	}
	return store.CoverageFromDates(ds, s.MaxCoverageGapDays), nil
}

// Close implements store.Adapter.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// rows runs one statement and flattens the response envelope into its
// result rows.
func (s *Store) rows(sql string, vars map[string]any) ([]map[string]any, error) {
	raw, err := s.db.Query(sql, vars)
	if err != nil {
		return nil, err
	}
	return flattenRows(raw)
}

// flattenRows unpacks the SurrealDB query envelope ([{time, status, result}])
// into its result rows, surfacing any non-OK statement status as an error.
func flattenRows(raw any) ([]map[string]any, error) {
	envelope, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected response shape %T", raw)
	}
	var rows []map[string]any
	for _, part := range envelope {
		m, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if status, _ := m["status"].(string); status != "" && status != "OK" {
			return nil, fmt.Errorf("statement failed: %v", m["result"])
		}
		result, ok := m["result"].([]any)
		if !ok {
			continue
		}
		for _, item := range result {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// selectStatement builds the filtered SELECT for a query.
func selectStatement(typ entity.Type, f store.Filter) (string, map[string]any) {
	var where []string
	vars := map[string]any{"tb": typ.Collection()}
	if f.Scope.Exchange != "" {
		where = append(where, "exchange = $exchange")
		vars["exchange"] = f.Scope.Exchange
	}
	if len(f.Scope.Symbols) > 0 {
		where = append(where, "symbol INSIDE $symbols")
		vars["symbols"] = f.Scope.Symbols
	}
	if f.Range.Valid() {
		where = append(where, "date >= $from AND date <= $to")
		vars["from"] = f.Range.From.String()
		vars["to"] = f.Range.To.String()
	}
	sql := "SELECT * FROM type::table($tb)"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql, vars
}

// recordID derives the deterministic record id for a natural-key value.
func recordID(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
