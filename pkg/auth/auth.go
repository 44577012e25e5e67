// Package auth defines the identity contract the orchestrator consumes.
// Authentication itself is the platform gateway's job; the orchestrator only
// needs a resolved user for ownership checks.
package auth

// Roles known to the orchestrator.
const (
	RolePlayer = "player"
	RoleAdmin  = "admin"
)

// User is the resolved caller identity.
type User struct {
	ID   string
	Role string
}

// Admin reports whether the user may act on instances it does not own.
func (u User) Admin() bool {
	return u.Role == RoleAdmin
}
