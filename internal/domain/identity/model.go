package identity

import (
	"strings"
	"time"

	"github.com/medscribe/medscribe/internal/platform/auth"
)

const (
	DefaultSpecialty = "general"
	DefaultTemplate  = "soap"
)

// User maps to the users table.
type User struct {
	ID              string    `db:"id" json:"id"`
	Email           string    `db:"email" json:"email"`
	PasswordDigest  string    `db:"hashed_password" json:"-"`
	FullName        string    `db:"full_name" json:"full_name"`
	Role            string    `db:"role" json:"role"`
	Specialty       string    `db:"specialty" json:"specialty"`
	DefaultTemplate string    `db:"default_template" json:"default_template"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// AccessUpdate carries the only mutable user attributes. Nil fields are
// left unchanged.
type AccessUpdate struct {
	Role      *string
	Specialty *string
	IsActive  *bool
}

// Empty reports whether the update changes nothing.
func (u AccessUpdate) Empty() bool {
	return u.Role == nil && u.Specialty == nil && u.IsActive == nil
}

// Apply mutates user in place.
func (u AccessUpdate) Apply(user *User) {
	if u.Role != nil {
		user.Role = *u.Role
	}
	if u.Specialty != nil {
		user.Specialty = *u.Specialty
	}
	if u.IsActive != nil {
		user.IsActive = *u.IsActive
	}
}

// NormalizeEmail lower-cases and trims an address. Uniqueness is checked on
// the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// prepare fills defaults for a new user. ID and CreatedAt are assigned by
// the repository.
func (u *User) prepare() {
	u.Email = NormalizeEmail(u.Email)
	u.FullName = strings.TrimSpace(u.FullName)
	if u.Role == "" {
		u.Role = auth.RolePhysician
	}
	if u.Specialty == "" {
		u.Specialty = DefaultSpecialty
	}
	if u.DefaultTemplate == "" {
		u.DefaultTemplate = DefaultTemplate
	}
}
