// Package vendor defines the adapter interface to remote market-data
// sources, the classified fetch error taxonomy, and the registry that maps
// configured vendor names to constructors.
package vendor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketsync/internal/dates"
	"marketsync/internal/entity"
)

// Adapter performs one raw fetch for one entity type and scope. One
// implementation per vendor. Fetch must return a classified *FetchError so
// the retry policy can distinguish transient from permanent failures.
type Adapter interface {
	// Fetch retrieves the raw records for the entity type within scope and
	// date range. The range is ignored for undated entity types.
	Fetch(ctx context.Context, typ entity.Type, scope entity.Scope, r dates.Range) ([]entity.Record, error)

	// Name returns the vendor identifier used in logs and the registry.
	Name() string
}

// Constructor builds a vendor adapter from its configuration settings.
type Constructor func(settings map[string]string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a vendor constructor available under name. Called from
// vendor implementation packages at init time.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New resolves name to a registered constructor and builds the adapter.
func New(name string, settings map[string]string) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown vendor %q (registered: %v)", name, Names())
	}
	return ctor(settings)
}

// Names returns the registered vendor names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
