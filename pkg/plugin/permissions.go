package plugin

import (
	"fmt"
	"sort"
)

// PermissionSet is an allow-list of permissions a host grants to plugins
type PermissionSet struct {
	permissions map[Permission]bool
}

// NewPermissionSet creates a permission set from the given permissions
func NewPermissionSet(permissions []Permission) *PermissionSet {
	permMap := make(map[Permission]bool, len(permissions))
	for _, perm := range permissions {
		permMap[perm] = true
	}
	return &PermissionSet{
		permissions: permMap,
	}
}

// Allows reports whether the permission is in the set
func (s *PermissionSet) Allows(permission Permission) bool {
	return s.permissions[permission]
}

// Disallowed returns the requested permissions that are not in the set, in request order
func (s *PermissionSet) Disallowed(requested []Permission) []Permission {
	var denied []Permission
	for _, perm := range requested {
		if !s.Allows(perm) {
			denied = append(denied, perm)
		}
	}
	return denied
}

// Require returns an error naming the first requested permission outside the set
func (s *PermissionSet) Require(requested []Permission) error {
	if denied := s.Disallowed(requested); len(denied) > 0 {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, denied[0])
	}
	return nil
}

// List returns the permissions in the set, sorted
func (s *PermissionSet) List() []Permission {
	perms := make([]Permission, 0, len(s.permissions))
	for perm := range s.permissions {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// IsDangerous reports whether a permission grants host-level access
func IsDangerous(permission Permission) bool {
	for _, p := range DangerousPermissions {
		if p == permission {
			return true
		}
	}
	return false
}
