// Package perm answers "may this user do that" questions. Grants come
// in two scopes, global and per-calendar, and live in a pluggable
// backend so tests can run against memory while the server uses the
// database.
package perm

import (
	"context"
	"fmt"
	"sync"

	"familycalendar/internal/store"
)

// Permission names one capability. Admin implies nothing by itself;
// implication is resolved by the Manager so backends stay dumb.
type Permission string

const (
	Read   Permission = "read"
	Write  Permission = "write"
	Delete Permission = "delete"
	Admin  Permission = "admin"
)

// GlobalScope marks a grant that applies across all calendars.
const GlobalScope int64 = 0

// Backend stores raw grants. Implementations do no implication logic.
type Backend interface {
	Grant(ctx context.Context, userID, calendarID int64, p Permission) error
	Revoke(ctx context.Context, userID, calendarID int64, p Permission) error
	Has(ctx context.Context, userID, calendarID int64, p Permission) (bool, error)
	List(ctx context.Context, userID, calendarID int64) ([]Permission, error)
}

// FromConfig selects a backend by name. An unknown name is a config
// error surfaced at startup, not a silent fallback.
func FromConfig(backend string, st *store.Store) (Backend, error) {
	switch backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "store":
		if st == nil {
			return nil, fmt.Errorf("perm: store backend selected but no database open")
		}
		return NewStoreBackend(st), nil
	default:
		return nil, fmt.Errorf("perm: unknown backend %q", backend)
	}
}

// Manager layers implication rules on a backend: admin covers every
// other permission, and a global grant covers every calendar.
type Manager struct {
	backend Backend
}

func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

func (m *Manager) Grant(ctx context.Context, userID, calendarID int64, p Permission) error {
	return m.backend.Grant(ctx, userID, calendarID, p)
}

func (m *Manager) Revoke(ctx context.Context, userID, calendarID int64, p Permission) error {
	return m.backend.Revoke(ctx, userID, calendarID, p)
}

// Check resolves one permission question, widest grant first.
func (m *Manager) Check(ctx context.Context, userID, calendarID int64, p Permission) (bool, error) {
	type probe struct {
		scope int64
		perm  Permission
	}
	probes := []probe{
		{GlobalScope, Admin},
		{GlobalScope, p},
	}
	if calendarID != GlobalScope {
		probes = append(probes, probe{calendarID, Admin}, probe{calendarID, p})
	}
	for _, probe := range probes {
		ok, err := m.backend.Has(ctx, userID, probe.scope, probe.perm)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) List(ctx context.Context, userID, calendarID int64) ([]Permission, error) {
	return m.backend.List(ctx, userID, calendarID)
}

// MemoryBackend keeps grants in a map. Used by tests and by installs
// that opt out of persistent permissions.
type MemoryBackend struct {
	mu     sync.RWMutex
	grants map[grantKey]struct{}
}

type grantKey struct {
	userID     int64
	calendarID int64
	perm       Permission
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{grants: make(map[grantKey]struct{})}
}

func (b *MemoryBackend) Grant(_ context.Context, userID, calendarID int64, p Permission) error {
	b.mu.Lock()
	b.grants[grantKey{userID, calendarID, p}] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Revoke(_ context.Context, userID, calendarID int64, p Permission) error {
	b.mu.Lock()
	delete(b.grants, grantKey{userID, calendarID, p})
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Has(_ context.Context, userID, calendarID int64, p Permission) (bool, error) {
	b.mu.RLock()
	_, ok := b.grants[grantKey{userID, calendarID, p}]
	b.mu.RUnlock()
	return ok, nil
}

func (b *MemoryBackend) List(_ context.Context, userID, calendarID int64) ([]Permission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var perms []Permission
	for k := range b.grants {
		if k.userID == userID && k.calendarID == calendarID {
			perms = append(perms, k.perm)
		}
	}
	return perms, nil
}

// StoreBackend persists grants in the database. Calendar id zero is
// the global scope and maps to the global-permissions table.
type StoreBackend struct {
	st *store.Store
}

func NewStoreBackend(st *store.Store) *StoreBackend {
	return &StoreBackend{st: st}
}

func (b *StoreBackend) Grant(ctx context.Context, userID, calendarID int64, p Permission) error {
	if calendarID == GlobalScope {
		return b.st.GrantGlobal(ctx, userID, string(p))
	}
	return b.st.GrantCalendar(ctx, userID, calendarID, string(p))
}

func (b *StoreBackend) Revoke(ctx context.Context, userID, calendarID int64, p Permission) error {
	if calendarID == GlobalScope {
		return b.st.RevokeGlobal(ctx, userID, string(p))
	}
	return b.st.RevokeCalendar(ctx, userID, calendarID, string(p))
}

func (b *StoreBackend) Has(ctx context.Context, userID, calendarID int64, p Permission) (bool, error) {
	if calendarID == GlobalScope {
		return b.st.HasGlobal(ctx, userID, string(p))
	}
	return b.st.HasCalendar(ctx, userID, calendarID, string(p))
}

func (b *StoreBackend) List(ctx context.Context, userID, calendarID int64) ([]Permission, error) {
	var (
		raw []string
		err error
	)
	if calendarID == GlobalScope {
		raw, err = b.st.ListGlobal(ctx, userID)
	} else {
		raw, err = b.st.ListCalendarPermissions(ctx, userID, calendarID)
	}
	if err != nil {
		return nil, err
	}
	perms := make([]Permission, len(raw))
	for i, p := range raw {
		perms[i] = Permission(p)
	}
	return perms, nil
}
