package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"calbridge/internal/fsutil"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
)

const jsonVersion = 1

type jsonDocument struct {
	Version   int                         `json:"version"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Entries   map[string]model.StateEntry `json:"entries"`
}

// JSONStore keeps the whole state in memory and rewrites the file
// atomically after every mutation.
type JSONStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]model.StateEntry
}

// OpenJSON loads path. A missing file is an empty store; an unreadable or
// corrupt one is logged and also treated as empty, and the next write
// replaces it.
func OpenJSON(path string) (*JSONStore, error) {
	if path == "" {
		return nil, errors.New("state path is empty")
	}
	s := &JSONStore{path: path, entries: map[string]model.StateEntry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		appLog.Warn("state file corrupt, starting empty", "path", path, "err", err)
		return s, nil
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	appLog.Debug("state loaded", "path", path, "entries", len(s.entries))
	return s, nil
}

func (s *JSONStore) Get(key string) (model.StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *JSONStore) Put(key string, entry model.StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[key]
	s.entries[key] = entry
	if err := s.flushLocked(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *JSONStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[key]
	if !had {
		return nil
	}
	delete(s.entries, key)
	if err := s.flushLocked(); err != nil {
		s.entries[key] = prev
		return err
	}
	return nil
}

func (s *JSONStore) Entries() map[string]model.StateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEntries(s.entries)
}

func (s *JSONStore) Close() error {
	return nil
}

// flushLocked writes the document with sorted keys (encoding/json sorts
// map keys) so diffs between runs stay readable.
func (s *JSONStore) flushLocked() error {
	doc := jsonDocument{
		Version:   jsonVersion,
		UpdatedAt: time.Now().UTC(),
		Entries:   s.entries,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	return nil
}
