package model

// Role is the access level carried in an API token.
type Role string

const (
	RoleReader   Role = "reader"
	RoleProducer Role = "producer"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleReader:   1,
	RoleProducer: 2,
	RoleAdmin:    3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// RoleAtLeast reports whether have grants at least the access of need.
func RoleAtLeast(have, need Role) bool {
	return roleRank[have] >= roleRank[need] && roleRank[have] > 0
}
