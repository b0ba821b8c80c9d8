package identity

import (
	"context"
	"strings"
	"time"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

var validRoles = map[Role]bool{
	RolePatient: true,
	RoleDoctor:  true,
	RoleAdmin:   true,
}

func (r Role) Valid() bool {
	return validRoles[r]
}

// Home is the landing path for the role, e.g. "/doctor".
func (r Role) Home() string {
	return "/" + string(r)
}

// UserProfile is the application record for an identity. Its ID equals the
// identity id. Role is set once at registration.
type UserProfile struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Phone          *string   `json:"phone,omitempty"`
	Role           Role      `json:"role"`
	Specialization *string   `json:"specialization,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FullName is the display name copied onto appointments and prescriptions.
func (p *UserProfile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ProfileFields is the editable part of a profile. It has no role field.
type ProfileFields struct {
	FirstName      string
	LastName       string
	Phone          *string
	Specialization *string
}

type profileKey struct{}

func WithProfile(ctx context.Context, p *UserProfile) context.Context {
	return context.WithValue(ctx, profileKey{}, p)
}

// ProfileFromContext returns the caller's profile, or nil when the signed-in
// identity has none.
func ProfileFromContext(ctx context.Context) *UserProfile {
	p, _ := ctx.Value(profileKey{}).(*UserProfile)
	return p
}
