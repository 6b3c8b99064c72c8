package auth

import "time"

// Role is the platform-level capability of a principal. Order roles
// (importer, exporter, verifier) are decided per order by the escrow engine.
type Role string

const (
	RoleTrader   Role = "trader"
	RoleOperator Role = "operator"
)

// Principal is an authenticated identity that can act on orders.
type Principal struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegisterRequest contains principal registration data supplied by callers.
type RegisterRequest struct {
	ID          string `json:"id"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains principal login credentials.
type LoginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}
