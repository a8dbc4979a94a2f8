package iface

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memRegistry is an in-memory Registry that records every write.
type memRegistry struct {
	mu      sync.Mutex
	defs    map[string]map[int]Definition
	writes  int
	failOn  string
	listErr error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{defs: make(map[string]map[int]Definition)}
}

func (r *memRegistry) ListInterfaces(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (r *memRegistry) InterfaceVersions(_ context.Context, name string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.defs[name]
	if !ok {
		return nil, ErrNotFound
	}
	var majors []int
	for m := range versions {
		majors = append(majors, m)
	}
	sort.Ints(majors)
	return majors, nil
}

func (r *memRegistry) GetInterface(_ context.Context, name string, major int) (Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[name][major]
	if !ok {
		return Definition{}, ErrNotFound
	}
	return d, nil
}

func (r *memRegistry) CreateInterface(_ context.Context, def Definition) error {
	return r.put(def)
}

func (r *memRegistry) UpdateInterface(_ context.Context, def Definition) error {
	return r.put(def)
}

func (r *memRegistry) put(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == r.failOn {
		return errors.New("rejected by backend")
	}
	if r.defs[def.Name] == nil {
		r.defs[def.Name] = make(map[int]Definition)
	}
	r.defs[def.Name][def.Major] = def
	r.writes++
	return nil
}

func (r *memRegistry) snapshot() map[string]map[int]Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[int]Definition, len(r.defs))
	for n, versions := range r.defs {
		out[n] = make(map[int]Definition, len(versions))
		for m, d := range versions {
			out[n][m] = d
		}
	}
	return out
}
