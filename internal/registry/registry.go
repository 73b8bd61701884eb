// Package registry implements the model registry and health-aware poller
// described in §4.3: a copy-on-write map from served model name to one or
// more upstream entries, kept fresh by a background poller and read
// lock-free on the request path.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexd/cortex/pkg/models"
)

// ErrNoHealthyUpstream is returned by Resolve when every candidate entry
// for a served name is unhealthy or the breaker is open.
var ErrNoHealthyUpstream = errors.New("no healthy upstream")

// Entry is the mutable, in-memory registry record for one upstream. It
// wraps models.RegistryEntry with the bookkeeping the poller needs
// (the pool carries an rrCursor across snapshots, which selection does not
// read).
type Entry struct {
	models.RegistryEntry
}

// pool is the set of entries currently registered under one served name.
type pool struct {
	entries []*Entry
	rrCursor int
}

// snapshot is the immutable map the poller atomically swaps in. Readers
// never take a lock.
type snapshot map[string]*pool

// Registry maps served_model_name to a pool of upstream entries. Writers
// (Register/Deregister and the poller) build a new snapshot and swap it
// atomically; Resolve and Snapshot read the current pointer without
// blocking on the writer.
type Registry struct {
	current atomic.Pointer[snapshot]

	// writeMu serializes snapshot construction; it never blocks readers.
	writeMu sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// Register adds or replaces an entry in the registry, keyed by the
// served_model_name it carries. Calling Register twice for the same
// (model_id, served_model_name) pair replaces the existing entry in place.
func (r *Registry) Register(e *Entry) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.current.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}

	p, ok := next[e.ServedModelName]
	if !ok {
		next[e.ServedModelName] = &pool{entries: []*Entry{e}}
		r.current.Store(&next)
		return
	}

	newEntries := make([]*Entry, 0, len(p.entries)+1)
	replaced := false
	for _, existing := range p.entries {
		if existing.ModelID == e.ModelID {
			newEntries = append(newEntries, e)
			replaced = true
			continue
		}
		newEntries = append(newEntries, existing)
	}
	if !replaced {
		newEntries = append(newEntries, e)
	}
	next[e.ServedModelName] = &pool{entries: newEntries, rrCursor: p.rrCursor}
	r.current.Store(&next)
}

// Deregister removes every entry for modelID from the registry, across all
// served names (a model is only ever registered under one name at a time,
// but this is defensive against stale duplicates).
func (r *Registry) Deregister(modelID string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.current.Load()
	next := make(snapshot, len(cur))
	for name, p := range cur {
		filtered := make([]*Entry, 0, len(p.entries))
		for _, e := range p.entries {
			if e.ModelID != modelID {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			next[name] = &pool{entries: filtered, rrCursor: p.rrCursor}
		}
	}
	r.current.Store(&next)
}

// Resolve picks a healthy upstream for servedName. Selection policy:
// least-recently-used among healthy entries. Ties (equal last-used times,
// such as entries never selected yet) go to the entry that comes first in
// the pool; there is no round-robin among tied entries.
func (r *Registry) Resolve(servedName string) (*Entry, error) {
	cur := *r.current.Load()
	p, ok := cur[servedName]
	if !ok || len(p.entries) == 0 {
		return nil, ErrNoHealthyUpstream
	}

	var best *Entry
	for _, e := range p.entries {
		if !isSelectable(e) {
			continue
		}
		if best == nil || e.LastUsedAt().Before(best.LastUsedAt()) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNoHealthyUpstream
	}
	best.TouchUsed(time.Now())
	return best, nil
}

// ErrTaskMismatch is returned by ResolveTask when a served name exists but
// none of its entries serve the requested task (generate vs embed).
var ErrTaskMismatch = errors.New("served model does not support requested task")

// ResolveTask resolves servedName the same way Resolve does, but also
// requires the selected entry's Task to match taskHint when taskHint is
// non-empty. This lets callers route /v1/embeddings and /v1/chat/completions
// against the same served name without accidentally picking an engine
// instance that can't serve the requested operation.
func (r *Registry) ResolveTask(servedName string, taskHint models.Task) (*Entry, error) {
	cur := *r.current.Load()
	p, ok := cur[servedName]
	if !ok || len(p.entries) == 0 {
		return nil, ErrNoHealthyUpstream
	}

	var best *Entry
	anyTaskMatch := false
	for _, e := range p.entries {
		if taskHint != "" && e.Task != taskHint {
			continue
		}
		anyTaskMatch = true
		if !isSelectable(e) {
			continue
		}
		if best == nil || e.LastUsedAt().Before(best.LastUsedAt()) {
			best = e
		}
	}
	if taskHint != "" && !anyTaskMatch {
		return nil, ErrTaskMismatch
	}
	if best == nil {
		return nil, ErrNoHealthyUpstream
	}
	best.TouchUsed(time.Now())
	return best, nil
}

func isSelectable(e *Entry) bool {
	if e.Health.BreakerState == models.BreakerOpen {
		return false
	}
	return e.Health.OK
}

// Snapshot returns every currently registered entry across all served
// names, for diagnostics and GET /v1/models/status. Reads are lock-free.
func (r *Registry) Snapshot() []models.RegistryEntry {
	cur := *r.current.Load()
	var out []models.RegistryEntry
	for _, p := range cur {
		for _, e := range p.entries {
			out = append(out, e.RegistryEntry)
		}
	}
	return out
}

// EntriesForPoll returns every entry so the poller can probe each one. The
// poller mutates copies and calls UpdateHealth to publish results.
func (r *Registry) EntriesForPoll() []*Entry {
	cur := *r.current.Load()
	var out []*Entry
	for _, p := range cur {
		out = append(out, p.entries...)
	}
	return out
}

// UpdateHealth publishes a new health state for the entry identified by
// modelID, via the same copy-on-write swap Register uses.
func (r *Registry) UpdateHealth(modelID string, health models.HealthState) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.current.Load()
	next := make(snapshot, len(cur))
	for name, p := range cur {
		newEntries := make([]*Entry, len(p.entries))
		for i, e := range p.entries {
			if e.ModelID == modelID {
				updated := &Entry{RegistryEntry: e.RegistryEntry}
				updated.Health = health
				updated.TouchUsed(e.LastUsedAt())
				newEntries[i] = updated
			} else {
				newEntries[i] = e
			}
		}
		next[name] = &pool{entries: newEntries, rrCursor: p.rrCursor}
	}
	r.current.Store(&next)
}
