package permission

import (
	"errors"
	"fmt"
	"sync"
)

// RoleManager maps role names, as stored on user records, to the
// permissions they grant.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string]map[string]struct{}
	frozen bool
}

func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string]map[string]struct{}),
	}
}

// RegisterRole defines roleName as granting permissions. Every permission
// must already be registered. A role may grant nothing.
func (rm *RoleManager) RegisterRole(roleName string, permissions []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch {
	case rm.frozen:
		return ErrFrozen
	case roleName == "":
		return errors.New("permission: empty role name")
	}
	if _, ok := rm.roles[roleName]; ok {
		return fmt.Errorf("%w: role %s", ErrDuplicate, roleName)
	}

	grants := make(map[string]struct{}, len(permissions))
	for _, perm := range permissions {
		if !rm.registry.Known(perm) {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, perm)
		}
		grants[perm] = struct{}{}
	}
	rm.roles[roleName] = grants
	return nil
}

// HasRole reports whether roleName was registered.
func (rm *RoleManager) HasRole(roleName string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.roles[roleName]
	return ok
}

// Allows reports whether any of roles grants perm. Unknown roles and
// unregistered permissions grant nothing.
func (rm *RoleManager) Allows(roles []string, perm string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, role := range roles {
		if _, ok := rm.roles[role][perm]; ok {
			return true
		}
	}
	return false
}

func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	rm.frozen = true
	rm.mu.Unlock()
}
