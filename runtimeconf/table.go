package runtimeconf

import (
	"fmt"
	"sort"
	"sync"
)

// Table is a reloadable runtime id to profile lookup. It is safe for
// concurrent use.
type Table struct {
	path string

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewTable builds a table from already parsed profiles.
func NewTable(profiles ...Profile) *Table {
	t := &Table{}
	t.swap(profiles)
	return t
}

// Load builds a table from the file at path. The path is remembered for Reload.
func Load(path string) (*Table, error) {
	t := Open(path)
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open returns an empty table bound to path. Profiles appear on the first
// successful Reload.
func Open(path string) *Table {
	return &Table{path: path, profiles: map[string]Profile{}}
}

// Path returns the backing file, or "" for a static table.
func (t *Table) Path() string {
	return t.path
}

// Reload re-reads the backing file. On error the current profiles stay in
// place. A table built with NewTable has no file and Reload is a no-op.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	profiles, err := ParseFile(t.path)
	if err != nil {
		return err
	}
	t.swap(profiles)
	return nil
}

func (t *Table) swap(profiles []Profile) {
	next := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		next[p.ID] = p
	}
	t.mu.Lock()
	t.profiles = next
	t.mu.Unlock()
}

// Lookup returns the profile for id.
func (t *Table) Lookup(id string) (Profile, error) {
	t.mu.RLock()
	p, ok := t.profiles[id]
	t.mu.RUnlock()
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownRuntime, id)
	}
	return p, nil
}

// IDs lists the configured runtime ids in sorted order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.profiles))
	for id := range t.profiles {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of profiles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.profiles)
}
