// Package model defines domain entities for the application.
package model

import "time"

// CreatedAtLayout is the wire format for User.CreatedAt.
const CreatedAtLayout = "2006-01-02 15:04:05"

// User is an account record. PasswordHash never leaves the service boundary.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser builds a User stamped with the current UTC time.
// The ID is assigned by the store on insert.
func NewUser(username, passwordHash, email string) *User {
	return &User{
		Username:     username,
		PasswordHash: passwordHash,
		Email:        email,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// UserUpdate carries a partial update. Nil fields are left unchanged.
type UserUpdate struct {
	Username     *string
	Email        *string
	PasswordHash *string
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Username == nil && u.Email == nil && u.PasswordHash == nil
}

// Principal is the identity established by a verified bearer token.
type Principal struct {
	UserID  int64
	TokenID string
}
