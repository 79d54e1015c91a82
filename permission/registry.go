package permission

import (
	"errors"
	"sync"
)

var (
	ErrFrozen            = errors.New("permission: frozen")
	ErrEmptyName         = errors.New("permission: empty name")
	ErrDuplicate         = errors.New("permission: already registered")
	ErrUnknownPermission = errors.New("permission: not registered")
)

// Registry is the closed set of permission names a deployment checks.
type Registry struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds name. It fails after [Registry.Freeze].
func (r *Registry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.frozen:
		return ErrFrozen
	case name == "":
		return ErrEmptyName
	}
	if _, ok := r.names[name]; ok {
		return ErrDuplicate
	}
	r.names[name] = struct{}{}
	return nil
}

// Known reports whether name was registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
