package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/internal/platform/livequery"
	"github.com/meditrack/meditrack/internal/platform/telemetry"
	"github.com/meditrack/meditrack/pkg/apperr"
	"github.com/meditrack/meditrack/pkg/pagination"
)

var tracer = telemetry.Tracer("identity")

const maxSpecializationLength = 100

const (
	msgFillAllFields    = "Please fill in all fields"
	msgPasswordMismatch = "Passwords do not match"
	msgCreateFailed     = "Failed to create account"
	msgUpdateFailed     = "Failed to update profile"
)

// Accounts is the identity collaborator as seen by this package.
type Accounts interface {
	CreateAccount(ctx context.Context, email, password string) (*auth.Session, error)
	DeleteAccount(ctx context.Context, id string) error
	SignIn(ctx context.Context, email, password string) (*auth.Session, error)
	SignOut(ctx context.Context, token string) error
}

type RegisterInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Phone           string `json:"phone"`
	Role            Role   `json:"role"`
	Specialization  string `json:"specialization"`
}

type ProfileUpdate struct {
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Phone          string `json:"phone"`
	Specialization string `json:"specialization"`
}

// Registration is the result of a successful Register.
type Registration struct {
	Session *auth.Session `json:"session"`
	Profile *UserProfile  `json:"profile"`
}

type Service struct {
	profiles ProfileRepository
	accounts Accounts
	bus      livequery.Publisher
	domain   string
	metrics  *telemetry.WorkflowMetrics
	now      func() time.Time
}

// NewService wires the profile workflows. domain is the institution email
// domain required of doctor and admin accounts, without the "@".
func NewService(profiles ProfileRepository, accounts Accounts, bus livequery.Publisher, domain string, metrics *telemetry.WorkflowMetrics) *Service {
	return &Service{
		profiles: profiles,
		accounts: accounts,
		bus:      bus,
		domain:   strings.ToLower(strings.TrimPrefix(domain, "@")),
		metrics:  metrics,
		now:      time.Now,
	}
}

func (s *Service) DomainMessage() string {
	return fmt.Sprintf("Doctor and Admin accounts must use @%s email addresses", s.domain)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) publish(ctx context.Context, id string, op livequery.Op) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, livequery.Change{Collection: livequery.Users, ID: id, Op: op}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("profile_id", id).Msg("publish profile change")
	}
}

// Register creates an account and its profile. Every input check, including
// the institution domain rule, runs before the identity collaborator is
// called. If the profile write fails the account is deleted again.
func (s *Service) Register(ctx context.Context, in RegisterInput) (reg *Registration, err error) {
	ctx, span := tracer.Start(ctx, "identity.register")
	defer func() { telemetry.EndSpan(span, err) }()

	email := strings.ToLower(strings.TrimSpace(in.Email))
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	span.SetAttributes(attribute.String("role", string(in.Role)))

	if email == "" || in.Password == "" || in.ConfirmPassword == "" || first == "" || last == "" || in.Role == "" {
		return nil, apperr.Validation(msgFillAllFields)
	}
	if !in.Role.Valid() {
		return nil, apperr.Validation("Please select a valid role")
	}
	if in.Password != in.ConfirmPassword {
		return nil, apperr.Validation(msgPasswordMismatch)
	}
	if (in.Role == RoleDoctor || in.Role == RoleAdmin) && !strings.HasSuffix(email, "@"+s.domain) {
		return nil, apperr.Validation(s.DomainMessage())
	}

	var specialization *string
	if in.Role == RoleDoctor {
		specialization = optional(in.Specialization)
		if specialization == nil {
			return nil, apperr.Validation(msgFillAllFields)
		}
		if len([]rune(*specialization)) > maxSpecializationLength {
			return nil, apperr.Validation("Specialization must be 100 characters or fewer")
		}
	}

	sess, err := s.accounts.CreateAccount(ctx, email, in.Password)
	if err != nil {
		s.metrics.ObserveRegistration(string(in.Role), false)
		switch {
		case errors.Is(err, auth.ErrEmailInUse):
			return nil, apperr.Conflict("An account with this email already exists")
		case errors.Is(err, auth.ErrWeakPassword):
			return nil, apperr.Validation("Password must be at least 6 characters")
		case errors.Is(err, auth.ErrInvalidEmail):
			return nil, apperr.Validation("Please enter a valid email address")
		}
		return nil, apperr.External(msgCreateFailed, err)
	}

	profile := &UserProfile{
		ID:             sess.Identity.ID,
		Email:          email,
		FirstName:      first,
		LastName:       last,
		Phone:          optional(in.Phone),
		Role:           in.Role,
		Specialization: specialization,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.profiles.Create(ctx, profile); err != nil {
		s.metrics.ObserveRegistration(string(in.Role), false)
		if delErr := s.accounts.DeleteAccount(ctx, sess.Identity.ID); delErr != nil {
			zerolog.Ctx(ctx).Error().Err(delErr).Str("identity_id", sess.Identity.ID).Msg("orphaned account after failed profile write")
		}
		return nil, apperr.Internal(msgCreateFailed, err)
	}

	s.metrics.ObserveRegistration(string(in.Role), true)
	s.publish(ctx, profile.ID, livequery.OpCreate)
	return &Registration{Session: sess, Profile: profile}, nil
}

// SignIn and SignOut pass through to the identity collaborator, translating
// its errors.
func (s *Service) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, apperr.Validation(msgFillAllFields)
	}
	sess, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, apperr.Unauthorized("Invalid email or password")
		}
		return nil, apperr.External("Failed to sign in", err)
	}
	return sess, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if err := s.accounts.SignOut(ctx, token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrRevokedToken) {
			return apperr.Unauthorized("invalid token")
		}
		return apperr.External("Failed to sign out", err)
	}
	return nil
}

// UpdateProfile trims and writes the editable fields. Specialization only
// applies to doctors and only when non-empty. The role is never written.
func (s *Service) UpdateProfile(ctx context.Context, actor *UserProfile, in ProfileUpdate) (p *UserProfile, err error) {
	ctx, span := tracer.Start(ctx, "identity.update_profile")
	defer func() { telemetry.EndSpan(span, err) }()

	if actor == nil {
		return nil, apperr.Forbidden("profile required")
	}
	fields := ProfileFields{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     optional(in.Phone),
	}
	if fields.FirstName == "" || fields.LastName == "" {
		return nil, apperr.Validation(msgFillAllFields)
	}
	if actor.Role == RoleDoctor {
		fields.Specialization = optional(in.Specialization)
		if fields.Specialization != nil && len([]rune(*fields.Specialization)) > maxSpecializationLength {
			return nil, apperr.Validation("Specialization must be 100 characters or fewer")
		}
	}

	if err := s.profiles.Update(ctx, actor.ID, fields); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("Profile not found")
		}
		return nil, apperr.Internal(msgUpdateFailed, err)
	}
	s.publish(ctx, actor.ID, livequery.OpUpdate)

	updated, err := s.profiles.GetByID(ctx, actor.ID)
	if err != nil {
		return nil, apperr.Internal(msgUpdateFailed, err)
	}
	return updated, nil
}

// GetProfile returns nil, nil when the identity has no profile.
func (s *Service) GetProfile(ctx context.Context, id string) (*UserProfile, error) {
	p, err := s.profiles.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// GetByRole loads a profile and checks its role. Used to validate the
// doctor or patient named in a booking or prescription.
func (s *Service) GetByRole(ctx context.Context, id string, role Role) (*UserProfile, error) {
	p, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if p.Role != role {
		return nil, nil
	}
	return p, nil
}

func (s *Service) ListDoctors(ctx context.Context) ([]*UserProfile, error) {
	return s.listRole(ctx, RoleDoctor)
}

func (s *Service) ListPatients(ctx context.Context) ([]*UserProfile, error) {
	return s.listRole(ctx, RolePatient)
}

func (s *Service) listRole(ctx context.Context, role Role) ([]*UserProfile, error) {
	items, err := s.profiles.Query(ctx, db.Query{}.Where("role", db.OpEq, string(role)).Order("firstName", false))
	if err != nil {
		return nil, apperr.Internal("Failed to load "+string(role)+"s", err)
	}
	if items == nil {
		items = []*UserProfile{}
	}
	return items, nil
}

// ListUsers pages through every profile, newest first.
func (s *Service) ListUsers(ctx context.Context, p pagination.Params) ([]*UserProfile, int, error) {
	q := db.Query{}.Order("createdAt", true)
	total, err := s.profiles.Count(ctx, q)
	if err != nil {
		return nil, 0, apperr.Internal("Failed to load users", err)
	}
	items, err := s.profiles.Query(ctx, q.Page(p.Limit, p.Offset))
	if err != nil {
		return nil, 0, apperr.Internal("Failed to load users", err)
	}
	if items == nil {
		items = []*UserProfile{}
	}
	return items, total, nil
}

// AllUsers is the unpaged user snapshot behind the admin live views.
func (s *Service) AllUsers(ctx context.Context) ([]*UserProfile, error) {
	return s.profiles.Query(ctx, db.Query{}.Order("createdAt", true))
}
