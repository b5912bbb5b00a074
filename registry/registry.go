package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// MaxEngineIDLength bounds the engine id stored per entry. Docker's short
// ids are 12 characters and the long form is truncated to this length.
const MaxEngineIDLength = 16

// Key identifies one executor request context within one client connection.
type Key struct {
	OwnerPID     int
	ConnectionID int
	CommandCount int
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d", k.OwnerPID, k.ConnectionID, k.CommandCount)
}

// Entry is the bookkeeping for one sandbox. Exactly one of EngineID and
// LocalPID is meaningful.
type Entry struct {
	Key       Key
	EngineID  string
	LocalPID  int
	Status    string
	RuntimeID string
	Address   string
	CreatedAt time.Time
}

// Standalone reports whether the entry describes a local process.
func (e Entry) Standalone() bool {
	return e.EngineID == "" && e.LocalPID > 0
}

// ReclaimFunc tears down the sandbox behind a superseded entry.
type ReclaimFunc func(ctx context.Context, stale Entry) error

// Registry is a key to entry table. It is not safe for concurrent use.
type Registry struct {
	logger  *zap.Logger
	entries map[Key]Entry
	reclaim ReclaimFunc
}

// New creates an empty registry. reclaim may be nil when the owner has no
// way to tear sandboxes down.
func New(logger *zap.Logger, reclaim ReclaimFunc) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[Key]Entry),
		reclaim: reclaim,
	}
}

// TruncateEngineID clips an engine id to MaxEngineIDLength.
func TruncateEngineID(id string) string {
	if len(id) > MaxEngineIDLength {
		return id[:MaxEngineIDLength]
	}
	return id
}

// Put stores entry under key. A prior entry for the same key that points to
// a different sandbox is reclaimed first; the new entry is stored even when
// reclaiming fails, and the failure is returned to the caller.
func (r *Registry) Put(ctx context.Context, key Key, entry Entry) error {
	entry.Key = key
	entry.EngineID = TruncateEngineID(entry.EngineID)

	var reclaimErr error
	if prior, ok := r.entries[key]; ok && !sameSandbox(prior, entry) {
		r.logger.Warn("replacing stale sandbox entry",
			zap.Stringer("key", key),
			zap.String("stale_engine_id", prior.EngineID),
			zap.Int("stale_local_pid", prior.LocalPID))
		if r.reclaim != nil && (prior.EngineID != "" || prior.LocalPID > 0) {
			if err := r.reclaim(ctx, prior); err != nil {
				reclaimErr = fmt.Errorf("failed to reclaim stale sandbox for %s: %w", key, err)
			}
		}
	}

	r.entries[key] = entry
	return reclaimErr
}

func sameSandbox(a, b Entry) bool {
	return a.EngineID == b.EngineID && a.LocalPID == b.LocalPID
}

// Get returns the entry stored under key.
func (r *Registry) Get(key Key) (Entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// Remove deletes key and returns the entry it held.
func (r *Registry) Remove(key Key) (Entry, bool) {
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return e, ok
}

// SetStatus updates the last-known status of an existing entry.
func (r *Registry) SetStatus(key Key, status string) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.Status = status
	r.entries[key] = e
	return true
}

// ForEach calls visit for every entry in key order. visit must not mutate
// the registry; collect keys and act on them afterwards.
func (r *Registry) ForEach(visit func(Entry) bool) {
	for _, k := range r.Keys() {
		if !visit(r.entries[k]) {
			return
		}
	}
}

// Keys returns every key in a stable order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.OwnerPID != b.OwnerPID {
			return a.OwnerPID < b.OwnerPID
		}
		if a.ConnectionID != b.ConnectionID {
			return a.ConnectionID < b.ConnectionID
		}
		return a.CommandCount < b.CommandCount
	})
	return keys
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}
