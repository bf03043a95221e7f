package handover

import "strings"

// AccountRole is the account's role
type AccountRole string

const (
	// RoleStudent is a currently enrolled member with an institutional identity
	RoleStudent AccountRole = "student"
	// RoleAlumnus is a former student, either handed over or self declared at signup
	RoleAlumnus AccountRole = "alumnus"
	// RoleAdmin can run handovers on behalf of others and read the history ledger
	RoleAdmin AccountRole = "admin"
)

// IsValid checks if the role is one of the predefined valid roles
func (r AccountRole) IsValid() bool {
	switch r {
	case RoleStudent, RoleAlumnus, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsAdmin reports whether the role grants admin operations
func (r AccountRole) IsAdmin() bool {
	return r == RoleAdmin
}

// IsAtLeast checks if this role meets the minimum required level
func (r AccountRole) IsAtLeast(minRole AccountRole) bool {
	roleHierarchy := map[AccountRole]int{
		RoleStudent: 0,
		RoleAlumnus: 0,
		RoleAdmin:   1,
	}

	current, ok := roleHierarchy[r]
	if !ok {
		return false
	}
	required, ok := roleHierarchy[minRole]
	if !ok {
		return false
	}
	return current >= required
}

// ParseRole normalizes a role string, returning false for unknown roles
func ParseRole(raw string) (AccountRole, bool) {
	role := AccountRole(strings.ToLower(strings.TrimSpace(raw)))
	return role, role.IsValid()
}

// SignupRole resolves the role for a self registered account. Self
// registration never yields an admin.
func SignupRole(formerStudent bool) AccountRole {
	if formerStudent {
		return RoleAlumnus
	}
	return RoleStudent
}

// HandedOverRole is the role an account holds once it becomes personal.
func HandedOverRole(current AccountRole) AccountRole {
	if current == RoleStudent {
		return RoleAlumnus
	}
	return current
}
