package auth

import "strings"

// Role is one of the five hierarchy tiers.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleManager    Role = "MANAGER"
	RoleStaff      Role = "STAFF"
	RoleViewer     Role = "VIEWER"
)

var roleRank = map[Role]int{
	RoleSuperAdmin: 5,
	RoleAdmin:      4,
	RoleManager:    3,
	RoleStaff:      2,
	RoleViewer:     1,
}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := roleRank[r]
	return r, ok
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks at or above min. Unknown roles never satisfy.
func (r Role) AtLeast(min Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	want, ok := roleRank[min]
	if !ok {
		return false
	}
	return have >= want
}

// Unrestricted reports whether r bypasses fine-grained permission checks.
func (r Role) Unrestricted() bool { return r == RoleSuperAdmin }

// EffectiveRole picks the role for companyID: a company-specific assignment
// wins over a global one. Unknown role values are ignored.
func EffectiveRole(assignments []RoleAssignment, companyID string) (Role, bool) {
	var (
		global Role
		found  bool
	)
	for _, a := range assignments {
		if !a.Role.Valid() {
			continue
		}
		if companyID != "" && a.CompanyID == companyID {
			return a.Role, true
		}
		if a.CompanyID == "" && !found {
			global, found = a.Role, true
		}
	}
	return global, found
}
