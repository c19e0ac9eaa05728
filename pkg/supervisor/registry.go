package supervisor

import (
	"sort"
	"sync"

	"github.com/core-tools/hsu-console/pkg/errors"
)

// registry indexes live processes by id, alias and endpoint path. Only the
// Supervisor mutates it.
//
// A Create in flight holds a reservation on its alias and endpoint so a
// concurrent Create cannot bind, and unlink, the same socket path.
type registry struct {
	mutex     sync.RWMutex
	byID      map[string]*ManagedProcess
	aliases   map[string]string
	endpoints map[string]string

	pendingAliases   map[string]struct{}
	pendingEndpoints map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		byID:             make(map[string]*ManagedProcess),
		aliases:          make(map[string]string),
		endpoints:        make(map[string]string),
		pendingAliases:   make(map[string]struct{}),
		pendingEndpoints: make(map[string]struct{}),
	}
}

func (r *registry) reserve(alias, endpoint string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.checkAvailableLocked(alias, endpoint); err != nil {
		return err
	}
	if alias != "" {
		r.pendingAliases[alias] = struct{}{}
	}
	r.pendingEndpoints[endpoint] = struct{}{}
	return nil
}

func (r *registry) release(alias, endpoint string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.releaseLocked(alias, endpoint)
}

func (r *registry) releaseLocked(alias, endpoint string) {
	if alias != "" {
		delete(r.pendingAliases, alias)
	}
	delete(r.pendingEndpoints, endpoint)
}

func (r *registry) checkAvailableLocked(alias, endpoint string) error {
	if alias != "" {
		if id, exists := r.aliases[alias]; exists {
			return errors.NewConflictError("alias already in use", nil).
				WithContext("alias", alias).
				WithContext("id", id)
		}
		if _, exists := r.byID[alias]; exists {
			return errors.NewConflictError("alias collides with a process id", nil).WithContext("alias", alias)
		}
		if _, exists := r.pendingAliases[alias]; exists {
			return errors.NewConflictError("alias is being created", nil).WithContext("alias", alias)
		}
	}
	if id, exists := r.endpoints[endpoint]; exists {
		return errors.NewConflictError("endpoint already in use", nil).
			WithContext("endpoint", endpoint).
			WithContext("id", id)
	}
	if _, exists := r.pendingEndpoints[endpoint]; exists {
		return errors.NewConflictError("endpoint is being bound", nil).WithContext("endpoint", endpoint)
	}
	return nil
}

// insert turns the reservation held for p into a registration. The
// reservation is released either way.
func (r *registry) insert(p *ManagedProcess) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.releaseLocked(p.spec.Name, p.spec.EndpointPath)
	if _, exists := r.byID[p.id]; exists {
		return errors.NewConflictError("process id already registered", nil).WithContext("id", p.id)
	}
	if err := r.checkAvailableLocked(p.spec.Name, p.spec.EndpointPath); err != nil {
		return err
	}

	r.byID[p.id] = p
	if p.spec.Name != "" {
		r.aliases[p.spec.Name] = p.id
	}
	r.endpoints[p.spec.EndpointPath] = p.id
	return nil
}

// remove drops p and its alias. A different process registered under the
// same keys is left alone.
func (r *registry) remove(p *ManagedProcess) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if current, exists := r.byID[p.id]; !exists || current != p {
		return false
	}
	delete(r.byID, p.id)
	if p.spec.Name != "" && r.aliases[p.spec.Name] == p.id {
		delete(r.aliases, p.spec.Name)
	}
	if r.endpoints[p.spec.EndpointPath] == p.id {
		delete(r.endpoints, p.spec.EndpointPath)
	}
	return true
}

// lookup resolves an id first, then an alias.
func (r *registry) lookup(idOrAlias string) (*ManagedProcess, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if p, exists := r.byID[idOrAlias]; exists {
		return p, true
	}
	if id, exists := r.aliases[idOrAlias]; exists {
		p, exists := r.byID[id]
		return p, exists
	}
	return nil, false
}

func (r *registry) snapshot() []*ManagedProcess {
	r.mutex.RLock()
	out := make([]*ManagedProcess, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	r.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].startTime.Equal(out[j].startTime) {
			return out[i].startTime.Before(out[j].startTime)
		}
		return out[i].id < out[j].id
	})
	return out
}

func (r *registry) count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.byID)
}
