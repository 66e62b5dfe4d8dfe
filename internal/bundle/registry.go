package bundle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Registry maps model identifiers to bundle locations.
type Registry interface {
	Lookup(id string) (location string, ok bool)
	IDs() []string
}

// MapRegistry is a static Registry.
type MapRegistry map[string]string

func (m MapRegistry) Lookup(id string) (string, bool) {
	loc, ok := m[id]
	return loc, ok
}

func (m MapRegistry) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DirRegistry indexes every bundle directory directly under a root. Bundles
// that fail validation are skipped and reported through Skipped.
type DirRegistry struct {
	root   string
	logger *slog.Logger

	mu      sync.RWMutex
	byID    map[string]string
	skipped map[string]error
}

type Option func(*options)

type options struct {
	logger *slog.Logger
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewDirRegistry(root string, opts ...Option) (*DirRegistry, error) {
	o := buildOptions(opts)
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve bundles dir %q: %w", root, err)
	}
	r := &DirRegistry{root: abs, logger: o.logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *DirRegistry) Root() string { return r.root }

// Reload rescans the root directory and swaps the index atomically.
func (r *DirRegistry) Reload() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("read bundles dir %s: %w", r.root, err)
	}

	byID := make(map[string]string)
	skipped := make(map[string]error)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		loc := filepath.Join(r.root, entry.Name())
		d, err := FromLocation(loc)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			skipped[loc] = err
			r.logger.Warn("skipping invalid bundle", "location", loc, "error", err)
			continue
		}
		if prev, dup := byID[d.ID]; dup {
			err := fmt.Errorf("duplicate bundle id %q (already at %s)", d.ID, prev)
			skipped[loc] = err
			r.logger.Warn("skipping duplicate bundle", "id", d.ID, "location", loc)
			continue
		}
		byID[d.ID] = loc
	}

	r.mu.Lock()
	r.byID = byID
	r.skipped = skipped
	r.mu.Unlock()

	r.logger.Debug("bundle registry loaded", "root", r.root, "bundles", len(byID), "skipped", len(skipped))
	return nil
}

func (r *DirRegistry) Lookup(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.byID[id]
	return loc, ok
}

func (r *DirRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Skipped returns location -> reason for every bundle dropped on the last scan.
func (r *DirRegistry) Skipped() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.skipped))
	for k, v := range r.skipped {
		out[k] = v
	}
	return out
}

// Resolver turns identifiers into validated descriptors. It never loads a
// model and has no side effects beyond reading bundle storage.
type Resolver struct {
	registry Registry
	logger   *slog.Logger
}

func NewResolver(registry Registry, opts ...Option) *Resolver {
	o := buildOptions(opts)
	return &Resolver{registry: registry, logger: o.logger}
}

func (r *Resolver) Resolve(id string) (*Descriptor, error) {
	loc, ok := r.registry.Lookup(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	d, err := FromLocation(loc)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, &NotFoundError{ID: id, Location: loc, Err: err}
		}
		return nil, err
	}
	if d.ID != id {
		return nil, malformed(d.Location, fmt.Sprintf("registered as %q but declares id %q", id, d.ID), nil)
	}

	r.logger.Info("bundle resolved", "id", id, "location", d.Location)
	return d, nil
}

// IDs lists the identifiers known to the underlying registry.
func (r *Resolver) IDs() []string {
	return r.registry.IDs()
}
