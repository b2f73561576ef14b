package auth

// Role is an acting principal's role within a tenant.
type Role string

// Roles form a strict ordering; higher ranks dominate lower ones.
const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRanks = map[Role]int{
	RoleViewer: 0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// ParseRole maps a raw claim value to a known role.
// The second return value reports whether the value was recognized.
func ParseRole(raw string) (Role, bool) {
	r := Role(raw)
	if _, ok := roleRanks[r]; ok {
		return r, true
	}
	return RoleViewer, false
}

// Rank returns the numeric rank of the role. Unknown roles rank as viewer.
func (r Role) Rank() int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return roleRanks[RoleViewer]
}

// AtLeast reports whether the role's rank is greater than or equal to
// the required role's rank.
func (r Role) AtLeast(required Role) bool {
	return r.Rank() >= required.Rank()
}
