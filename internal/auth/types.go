package auth

import (
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/iam"
)

// User is an account of the iam.user table.
type User struct {
	ID              uuid.UUID
	Email           string
	PasswordHash    string
	FirstName       string
	LastName        string
	Role            iam.Role
	EmailVerifiedAt *time.Time
	LastLogin       *time.Time
	CreatedAt       time.Time
}

// Verified reports whether the user confirmed their email address.
func (u *User) Verified() bool { return u.EmailVerifiedAt != nil }

// NewUser is the registration input.
type NewUser struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// IssuedToken is a serialized token handed to the caller.
type IssuedToken struct {
	Token     string
	ExpiredAt time.Time
}

// Session is the result of a login or refresh: an access and refresh pair
// under one session id, plus the identity they carry.
type Session struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Email     string
	FirstName string
	LastName  string
	Access    IssuedToken
	Refresh   IssuedToken
}
