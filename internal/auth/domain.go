package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Permission names a capability granted to an account.
type Permission string

const (
	CanMarkReturned Permission = "can_mark_returned"
	CanCreateBook   Permission = "can_create_book"
	CanUpdateBook   Permission = "can_update_book"
	CanDeleteBook   Permission = "can_delete_book"
	CanCreateAuthor Permission = "can_create_author"
	CanUpdateAuthor Permission = "can_update_author"
	CanDeleteAuthor Permission = "can_delete_author"
)

// AllPermissions lists every permission in declaration order.
var AllPermissions = []Permission{
	CanMarkReturned,
	CanCreateBook,
	CanUpdateBook,
	CanDeleteBook,
	CanCreateAuthor,
	CanUpdateAuthor,
	CanDeleteAuthor,
}

// ParsePermission maps a permission name to its Permission.
func ParsePermission(s string) (Permission, error) {
	for _, p := range AllPermissions {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Account is a registered user of the library.
type Account struct {
	ID          uuid.UUID    `json:"id"`
	Username    string       `json:"username"`
	Email       string       `json:"email"`
	FirstName   string       `json:"first_name,omitempty"`
	LastName    string       `json:"last_name,omitempty"`
	IsStaff     bool         `json:"is_staff"`
	IsSuperuser bool         `json:"is_superuser"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Credential holds the salted password hash of an account.
type Credential struct {
	AccountID    uuid.UUID `json:"-"`
	PasswordHash string    `json:"-"`
	Salt         string    `json:"-"`
}

// DefaultProfilePicture is used when a profile has no picture of its own.
const DefaultProfilePicture = "author_images/no_image.png"

// Profile extends an account with contact details.
type Profile struct {
	AccountID   uuid.UUID `json:"account_id"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Picture     string    `json:"picture"`
}

// Principal is the authenticated actor behind a request. A nil *Principal
// is an anonymous caller.
type Principal struct {
	AccountID   uuid.UUID
	Username    string
	Email       string
	IsStaff     bool
	IsSuperuser bool
	Permissions []Permission
}

// PrincipalFor builds the principal of an account.
func PrincipalFor(a *Account) *Principal {
	return &Principal{
		AccountID:   a.ID,
		Username:    a.Username,
		Email:       a.Email,
		IsStaff:     a.IsStaff,
		IsSuperuser: a.IsSuperuser,
		Permissions: append([]Permission(nil), a.Permissions...),
	}
}

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Username    string `json:"username" validate:"required,max=150"`
	Password    string `json:"password" validate:"required"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name" validate:"max=150"`
	LastName    string `json:"last_name" validate:"max=150"`
	PhoneNumber string `json:"phone_number" validate:"max=10"`
	Picture     string `json:"picture" validate:"max=255"`
}

// CreateAccountInput is used by operators to create staff accounts.
type CreateAccountInput struct {
	RegisterInput
	IsStaff     bool
	IsSuperuser bool
	Permissions []Permission
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	// Next names the dashboard the account lands on.
	Next string `json:"next"`
}
