// Package state persists the mapping from identity keys to remote ids and
// content hashes between runs.
package state

import (
	"fmt"

	"calbridge/internal/model"
)

// Store is the persisted key -> {remote id, content hash} map. Every
// mutation is durable when the call returns.
type Store interface {
	Get(key string) (model.StateEntry, bool)
	Put(key string, entry model.StateEntry) error
	Delete(key string) error
	// Entries returns a snapshot copy of all entries.
	Entries() map[string]model.StateEntry
	Close() error
}

// Open selects a backend by name ("json" or "sqlite").
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "json":
		return OpenJSON(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

func copyEntries(in map[string]model.StateEntry) map[string]model.StateEntry {
	out := make(map[string]model.StateEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
