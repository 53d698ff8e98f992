package model

// Roles recognised by the ledger core. Everything else is an ordinary user.
const (
	RoleUser            = "USER"
	RoleAdmin           = "ADMIN"
	RoleProjectVerifier = "PROJECT_VERIFIER"
)

// Actor is the authenticated caller as asserted by the gateway.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
