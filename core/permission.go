package core

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// PermissionType is a capability granted through a Role.
type PermissionType string

const (
	// GrandPermission authorizes cross-account edits and content administration.
	GrandPermission PermissionType = "GRAND_PERMISSION"
	// GenerateTests is the default capability held by every registered user.
	GenerateTests PermissionType = "GENERATE_TESTS"
)

var knownPermissions = []PermissionType{GrandPermission, GenerateTests}

// ParsePermission rejects values outside the closed enumeration.
func ParsePermission(s string) (PermissionType, error) {
	p := PermissionType(s)
	if !lo.Contains(knownPermissions, p) {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

func (p *PermissionType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePermission(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Role groups permissions. Roles are identified by name; ID is the storage key.
type Role struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Permissions []PermissionType `json:"permissions"`
}

// Grants reports whether the role carries perm.
func (r Role) Grants(perm PermissionType) bool {
	return lo.Contains(r.Permissions, perm)
}

// Principal is the authenticated actor of a request.
type Principal struct {
	ID       int64
	Username string
	Roles    []Role
}

// PrincipalOf builds the acting principal from a stored credential record.
func PrincipalOf(rec CredentialRecord) Principal {
	return Principal{ID: rec.ID, Username: rec.Username, Roles: rec.Roles}
}

// Has reports whether any role of the principal grants perm.
// GRAND_PERMISSION implies every other capability.
func (p Principal) Has(perm PermissionType) bool {
	if perm != GrandPermission && p.Has(GrandPermission) {
		return true
	}
	return lo.SomeBy(p.Roles, func(r Role) bool { return r.Grants(perm) })
}

// ResolvePermission returns the permission governing a mutation decision:
// GRAND_PERMISSION when any role grants it, GENERATE_TESTS otherwise.
func ResolvePermission(p Principal) PermissionType {
	if p.Has(GrandPermission) {
		return GrandPermission
	}
	return GenerateTests
}
