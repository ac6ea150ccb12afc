package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"liveclass/server/apperr"
	"liveclass/server/storage"
)

// tenantState is the cached session state of one tenant. mu is the single
// serialization point for every mutation of the tenant.
type tenantState struct {
	mu      sync.Mutex
	id      string
	loaded  bool
	current *storage.Session
	records map[string]*storage.DeviceSyncRecord
}

func (st *tenantState) currentID() int64 {
	if st.current == nil {
		return 0
	}
	return st.current.SessionID
}

func (st *tenantState) live() bool {
	return st.current != nil && st.current.State == storage.SessionStarted
}

// invalidate drops the cache so the next operation reloads from the store.
func (st *tenantState) invalidate() {
	st.loaded = false
	st.current = nil
	st.records = nil
}

// Directory maps tenants to their cached state. The map lock only guards
// lookup and insertion; tenants never contend with each other.
type Directory struct {
	store storage.Store

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// NewDirectory creates an empty directory backed by store.
func NewDirectory(store storage.Store) *Directory {
	return &Directory{store: store, tenants: make(map[string]*tenantState)}
}

func (d *Directory) state(tenantID string) *tenantState {
	d.mu.RLock()
	st, ok := d.tenants[tenantID]
	d.mu.RUnlock()
	if ok {
		return st
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.tenants[tenantID]; ok {
		return st
	}
	st = &tenantState{id: tenantID}
	d.tenants[tenantID] = st
	return st
}

// acquire locks the tenant and makes sure its state is loaded. The caller
// must call st.mu.Unlock.
func (d *Directory) acquire(ctx context.Context, tenantID string) (*tenantState, error) {
	st := d.state(tenantID)
	st.mu.Lock()
	if st.loaded {
		return st, nil
	}
	if err := d.load(ctx, st); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	return st, nil
}

func (d *Directory) load(ctx context.Context, st *tenantState) error {
	st.records = make(map[string]*storage.DeviceSyncRecord)
	sess, err := d.store.LatestSession(ctx, st.id)
	if errors.Is(err, storage.ErrNotFound) {
		st.current = nil
		st.loaded = true
		return nil
	}
	if err != nil {
		return apperr.Persistence(err, "load tenant session")
	}
	records, err := d.store.ListDeviceRecords(ctx, st.id, sess.SessionID)
	if err != nil {
		return apperr.Persistence(err, "load device records")
	}
	for _, r := range records {
		st.records[r.DeviceID] = r
	}
	st.current = sess
	st.loaded = true
	return nil
}

// Tenants returns the ids of tenants with cached state.
func (d *Directory) Tenants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
