package auth

import "time"

type Role string

const (
	RoleSystemAdmin     Role = "system_admin"
	RoleRealEstateAdmin Role = "real_estate_admin"
	RoleAgent           Role = "agent"
)

// User is the domain representation of an account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID                string
	Email             string
	FullName          string
	PasswordHash      string
	Role              Role
	RealEstateAdminID *string
	MaxListings       int
	UsedListings      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Claims is what a verified session token asserts about its holder.
type Claims struct {
	UserID string
	Role   Role
	Email  string
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// CreateAgentRequest is what a real-estate admin supplies to add an agent to the company.
type CreateAgentRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
