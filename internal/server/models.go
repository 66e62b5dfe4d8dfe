package server

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/classify"
	"github.com/example/go-bundleinfer/internal/model"
)

// IDLister lists the model identifiers a server may load. *bundle.Resolver
// satisfies it.
type IDLister interface {
	IDs() []string
}

// Models loads each served model on first use and keeps it loaded until
// Close or until Sync finds its bundle gone or changed. A model whose load
// failed is retried on the next request. Loads of different ids run
// concurrently; concurrent requests for one id share a single load.
type Models struct {
	svc   *classify.Service
	ids   IDLister
	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes loads of one id. Readers use mod without the lock. A
// dropped slot is out of the map and never loads again.
type slot struct {
	mu      sync.Mutex
	mod     atomic.Pointer[model.Model]
	dropped bool
}

func NewModels(svc *classify.Service, ids IDLister) *Models {
	return &Models{svc: svc, ids: ids, slots: make(map[string]*slot)}
}

func (m *Models) IDs() []string {
	return m.ids.IDs()
}

func (m *Models) Loaded(id string) bool {
	m.mu.Lock()
	s, ok := m.slots[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	mod := s.mod.Load()
	return mod != nil && mod.State() == model.Loaded
}

// Get returns the loaded model for id. Only listed identifiers are served.
func (m *Models) Get(ctx context.Context, id string) (*model.Model, error) {
	if !slices.Contains(m.ids.IDs(), id) {
		return nil, &bundle.NotFoundError{ID: id}
	}

	for {
		s := m.slot(id)
		mod, ok, err := s.get(ctx, m.svc, id)
		if ok {
			return mod, err
		}
		// Sync dropped the slot while we waited for it.
	}
}

func (m *Models) slot(id string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		s = &slot{}
		m.slots[id] = s
	}
	return s
}

// Sync unloads models whose id is no longer listed or whose bundle now
// resolves to a different location or version. They load again on the next
// request.
func (m *Models) Sync() {
	listed := m.ids.IDs()

	m.mu.Lock()
	snapshot := make(map[string]*slot, len(m.slots))
	for id, s := range m.slots {
		snapshot[id] = s
	}
	m.mu.Unlock()

	var stale []*slot
	for id, s := range snapshot {
		if !slices.Contains(listed, id) {
			stale = append(stale, s)
			continue
		}
		if mod := s.mod.Load(); mod != nil && m.changed(id, mod) {
			stale = append(stale, s)
		}
	}
	if len(stale) == 0 {
		return
	}

	m.mu.Lock()
	for id, s := range snapshot {
		if slices.Contains(stale, s) && m.slots[id] == s {
			delete(m.slots, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.drop()
	}
}

func (m *Models) changed(id string, mod *model.Model) bool {
	d, err := m.svc.Descriptor(id)
	if err != nil {
		return true
	}
	have := mod.Descriptor()
	return d.Location != have.Location || d.Version != have.Version
}

// Close unloads every model. Safe to call more than once.
func (m *Models) Close() {
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[string]*slot)
	m.mu.Unlock()

	for _, s := range slots {
		s.drop()
	}
}

// get reports ok=false when the slot was dropped before the caller got it.
func (s *slot) get(ctx context.Context, svc *classify.Service, id string) (*model.Model, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped {
		return nil, false, nil
	}
	if mod := s.mod.Load(); mod != nil && mod.State() == model.Loaded {
		return mod, true, nil
	}
	mod, err := svc.Open(ctx, id)
	if err != nil {
		return nil, true, err
	}
	s.mod.Store(mod)
	return mod, true, nil
}

func (s *slot) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
	if mod := s.mod.Swap(nil); mod != nil {
		_ = mod.Unload()
	}
}

// syncingReloader rescans the registry and then drops stale models.
type syncingReloader struct {
	bundle.Reloader
	models *Models
}

func (r syncingReloader) Reload() error {
	if err := r.Reloader.Reload(); err != nil {
		return err
	}
	r.models.Sync()
	return nil
}
