package auth

import "time"

type Role string

const (
	RoleParticipant Role = "participant"
	RoleAdjudicator Role = "adjudicator"
	RoleCouncil     Role = "council"
)

func isValidRole(role Role) bool {
	switch role {
	case RoleParticipant, RoleAdjudicator, RoleCouncil:
		return true
	default:
		return false
	}
}

// Account is the domain representation of an API caller. The engine only ever
// sees the account id and role; everything else stays in this package.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
