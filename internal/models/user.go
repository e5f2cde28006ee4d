package models

import "time"

// User is a cluster member known to the manager. Identity comes from the chat front-end.
type User struct {
	ID              string          `json:"id" db:"id"`
	Username        *string         `json:"username,omitempty" db:"username"`
	FullName        *string         `json:"full_name,omitempty" db:"full_name"`
	PermissionLevel PermissionLevel `json:"permission_level" db:"permission_level"`
	PublicSSHKey    *string         `json:"-" db:"public_ssh_key"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// HasKey reports whether a public SSH key has been provisioned for the user.
func (u *User) HasKey() bool {
	return u.PublicSSHKey != nil && *u.PublicSSHKey != ""
}

// RequestUser is the caller identity forwarded with every request.
type RequestUser struct {
	UserID   string  `json:"user_id"`
	Username *string `json:"username"`
	FullName string  `json:"full_name"`
}
