package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/internal/platform/livequery"
	"github.com/meditrack/meditrack/pkg/apperr"
	"github.com/meditrack/meditrack/pkg/pagination"
)

// -- Mocks --

type mockProfileRepo struct {
	mu        sync.Mutex
	profiles  map[string]*UserProfile
	createErr error
	updates   []ProfileFields
}

func newMockProfileRepo() *mockProfileRepo {
	return &mockProfileRepo{profiles: make(map[string]*UserProfile)}
}

func (m *mockProfileRepo) Create(_ context.Context, p *UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *mockProfileRepo) GetByID(_ context.Context, id string) (*UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockProfileRepo) Update(_ context.Context, id string, f ProfileFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	m.updates = append(m.updates, f)
	p.FirstName, p.LastName, p.Phone = f.FirstName, f.LastName, f.Phone
	if f.Specialization != nil {
		p.Specialization = f.Specialization
	}
	return nil
}

func (m *mockProfileRepo) match(q db.Query) []*UserProfile {
	var out []*UserProfile
	for _, p := range m.profiles {
		ok := true
		for _, f := range q.Filters {
			if f.Field == "role" && string(p.Role) != f.Value {
				ok = false
			}
		}
		if ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	for i := len(q.OrderBy) - 1; i >= 0; i-- {
		o := q.OrderBy[i]
		sort.SliceStable(out, func(a, b int) bool {
			x, y := out[a], out[b]
			if o.Desc {
				x, y = y, x
			}
			if o.Field == "createdAt" {
				return x.CreatedAt.Before(y.CreatedAt)
			}
			return x.FirstName < y.FirstName
		})
	}
	return out
}

func (m *mockProfileRepo) Query(_ context.Context, q db.Query) ([]*UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.match(q)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *mockProfileRepo) Count(_ context.Context, q db.Query) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.match(q)), nil
}

type mockAccounts struct {
	mu        sync.Mutex
	calls     int
	accounts  map[string]string // email -> id
	deleted   []string
	createErr error
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{accounts: make(map[string]string)}
}

func (m *mockAccounts) CreateAccount(_ context.Context, email, password string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	if _, ok := m.accounts[email]; ok {
		return nil, auth.ErrEmailInUse
	}
	id := uuid.NewString()
	m.accounts[email] = id
	return &auth.Session{Token: "tok-" + id, Identity: &auth.Identity{ID: id, Email: email}}, nil
}

func (m *mockAccounts) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.deleted = append(m.deleted, id)
	for email, aid := range m.accounts {
		if aid == id {
			delete(m.accounts, email)
		}
	}
	return nil
}

func (m *mockAccounts) SignIn(_ context.Context, email, password string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	id, ok := m.accounts[email]
	if !ok || password != "password" {
		return nil, auth.ErrInvalidCredentials
	}
	return &auth.Session{Token: "tok-" + id, Identity: &auth.Identity{ID: id, Email: email}}, nil
}

func (m *mockAccounts) SignOut(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if token == "" {
		return auth.ErrInvalidToken
	}
	return nil
}

func newTestService() (*Service, *mockProfileRepo, *mockAccounts, *livequery.MemoryBus) {
	repo := newMockProfileRepo()
	accounts := newMockAccounts()
	bus := livequery.NewMemoryBus()
	return NewService(repo, accounts, bus, "meditrack.local", nil), repo, accounts, bus
}

func patientInput() RegisterInput {
	return RegisterInput{
		Email:           "jane@example.com",
		Password:        "password",
		ConfirmPassword: "password",
		FirstName:       " Jane ",
		LastName:        "Doe",
		Role:            RolePatient,
		Specialization:  "ignored",
	}
}

func expectKind(t *testing.T, err error, kind apperr.Kind, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if apperr.KindOf(err) != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, apperr.KindOf(err), err)
	}
	if msg != "" && apperr.Message(err) != msg {
		t.Errorf("expected message %q, got %q", msg, apperr.Message(err))
	}
}

// -- Register --

func TestRegister_Patient(t *testing.T) {
	svc, repo, _, bus := newTestService()
	changes, stop := bus.Listen(livequery.Users)
	defer stop()

	reg, err := svc.Register(context.Background(), patientInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Session == nil || reg.Profile.ID != reg.Session.Identity.ID {
		t.Fatalf("expected profile keyed by identity id, got %+v", reg)
	}
	stored := repo.profiles[reg.Profile.ID]
	if stored.FirstName != "Jane" || stored.Role != RolePatient {
		t.Errorf("unexpected stored profile %+v", stored)
	}
	if stored.Specialization != nil {
		t.Error("expected specialization dropped for patients")
	}
	if stored.CreatedAt.IsZero() {
		t.Error("expected createdAt set")
	}

	select {
	case ch := <-changes:
		if ch.ID != reg.Profile.ID || ch.Op != livequery.OpCreate {
			t.Errorf("unexpected change %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("expected users change")
	}
}

func TestRegister_MissingFields(t *testing.T) {
	svc, _, accounts, _ := newTestService()
	in := patientInput()
	in.LastName = "   "
	_, err := svc.Register(context.Background(), in)
	expectKind(t, err, apperr.KindValidation, "Please fill in all fields")
	if accounts.calls != 0 {
		t.Errorf("expected no identity calls, got %d", accounts.calls)
	}
}

func TestRegister_PasswordMismatch(t *testing.T) {
	svc, _, accounts, _ := newTestService()
	in := patientInput()
	in.ConfirmPassword = "different"
	_, err := svc.Register(context.Background(), in)
	expectKind(t, err, apperr.KindValidation, "Passwords do not match")
	if accounts.calls != 0 {
		t.Errorf("expected no identity calls, got %d", accounts.calls)
	}
}

func TestRegister_RestrictedDomainRejectedBeforeAnyWrite(t *testing.T) {
	for _, role := range []Role{RoleDoctor, RoleAdmin} {
		t.Run(string(role), func(t *testing.T) {
			svc, repo, accounts, _ := newTestService()
			in := patientInput()
			in.Role = role
			in.Email = "house@gmail.com"
			in.Specialization = "Diagnostics"

			_, err := svc.Register(context.Background(), in)
			expectKind(t, err, apperr.KindValidation, "Doctor and Admin accounts must use @meditrack.local email addresses")
			if accounts.calls != 0 {
				t.Errorf("expected no identity calls, got %d", accounts.calls)
			}
			if len(repo.profiles) != 0 {
				t.Errorf("expected no profile writes, got %d", len(repo.profiles))
			}
		})
	}
}

func TestRegister_InstitutionDomainCaseInsensitive(t *testing.T) {
	svc, _, _, _ := newTestService()
	in := patientInput()
	in.Role = RoleAdmin
	in.Email = "Boss@MediTrack.Local"
	reg, err := svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Profile.Email != "boss@meditrack.local" {
		t.Errorf("expected lower-cased email, got %q", reg.Profile.Email)
	}
}

func TestRegister_DoctorSpecialization(t *testing.T) {
	svc, _, _, _ := newTestService()
	in := patientInput()
	in.Role = RoleDoctor
	in.Email = "house@meditrack.local"
	in.Specialization = ""

	_, err := svc.Register(context.Background(), in)
	expectKind(t, err, apperr.KindValidation, "Please fill in all fields")

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'x'
	}
	in.Specialization = string(long)
	_, err = svc.Register(context.Background(), in)
	expectKind(t, err, apperr.KindValidation, "")

	in.Specialization = "  Diagnostics "
	reg, err := svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Profile.Specialization == nil || *reg.Profile.Specialization != "Diagnostics" {
		t.Errorf("unexpected specialization %v", reg.Profile.Specialization)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.Register(context.Background(), patientInput()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(context.Background(), patientInput())
	expectKind(t, err, apperr.KindConflict, "")
}

func TestRegister_ProfileFailureDeletesAccount(t *testing.T) {
	svc, repo, accounts, _ := newTestService()
	repo.createErr = fmt.Errorf("connection reset")

	_, err := svc.Register(context.Background(), patientInput())
	expectKind(t, err, apperr.KindInternal, "Failed to create account")
	if len(accounts.deleted) != 1 {
		t.Fatalf("expected compensation delete, got %v", accounts.deleted)
	}
	if len(accounts.accounts) != 0 {
		t.Error("expected account removed")
	}
}

func TestRegister_IdentityFailure(t *testing.T) {
	svc, repo, accounts, _ := newTestService()
	accounts.createErr = errors.New("identity provider down")
	_, err := svc.Register(context.Background(), patientInput())
	expectKind(t, err, apperr.KindExternal, "Failed to create account")
	if len(repo.profiles) != 0 {
		t.Error("expected no profile")
	}
}

// -- Sign in / out --

func TestSignIn(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.Register(context.Background(), patientInput()); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := svc.SignIn(context.Background(), "jane@example.com", "wrong")
	expectKind(t, err, apperr.KindUnauthorized, "Invalid email or password")

	_, err = svc.SignIn(context.Background(), "", "")
	expectKind(t, err, apperr.KindValidation, "Please fill in all fields")

	sess, err := svc.SignIn(context.Background(), "jane@example.com", "password")
	if err != nil || sess.Token == "" {
		t.Fatalf("expected session, got %v %v", sess, err)
	}
}

func TestSignOut_InvalidToken(t *testing.T) {
	svc, _, _, _ := newTestService()
	expectKind(t, svc.SignOut(context.Background(), ""), apperr.KindUnauthorized, "")
	if err := svc.SignOut(context.Background(), "tok"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// -- UpdateProfile --

func TestUpdateProfile_NeverChangesRole(t *testing.T) {
	svc, repo, _, _ := newTestService()
	reg, err := svc.Register(context.Background(), patientInput())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	updated, err := svc.UpdateProfile(context.Background(), reg.Profile, ProfileUpdate{
		FirstName:      " Janet ",
		LastName:       "Doe",
		Phone:          " 555-0100 ",
		Specialization: "Cardiology",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Role != RolePatient {
		t.Errorf("role changed to %s", updated.Role)
	}
	if updated.FirstName != "Janet" || updated.Phone == nil || *updated.Phone != "555-0100" {
		t.Errorf("unexpected profile %+v", updated)
	}
	if updated.Specialization != nil {
		t.Error("patients must not gain a specialization")
	}
	if got := repo.updates[len(repo.updates)-1]; got.Specialization != nil {
		t.Error("expected no specialization write for a patient")
	}
}

func TestUpdateProfile_DoctorSpecialization(t *testing.T) {
	svc, repo, _, _ := newTestService()
	spec := "Cardiology"
	doc := &UserProfile{ID: "doc-1", FirstName: "Greg", LastName: "House", Role: RoleDoctor, Specialization: &spec}
	repo.profiles[doc.ID] = doc

	updated, err := svc.UpdateProfile(context.Background(), doc, ProfileUpdate{FirstName: "Greg", LastName: "House", Specialization: "  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Specialization == nil || *updated.Specialization != "Cardiology" {
		t.Error("blank specialization must leave the stored value")
	}

	updated, err = svc.UpdateProfile(context.Background(), doc, ProfileUpdate{FirstName: "Greg", LastName: "House", Specialization: "Nephrology"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *updated.Specialization != "Nephrology" {
		t.Errorf("expected Nephrology, got %s", *updated.Specialization)
	}
}

func TestUpdateProfile_Validation(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.UpdateProfile(context.Background(), nil, ProfileUpdate{FirstName: "a", LastName: "b"})
	expectKind(t, err, apperr.KindForbidden, "")

	_, err = svc.UpdateProfile(context.Background(), &UserProfile{ID: "x", Role: RolePatient}, ProfileUpdate{FirstName: "", LastName: "b"})
	expectKind(t, err, apperr.KindValidation, "Please fill in all fields")

	_, err = svc.UpdateProfile(context.Background(), &UserProfile{ID: "missing", Role: RolePatient}, ProfileUpdate{FirstName: "a", LastName: "b"})
	expectKind(t, err, apperr.KindNotFound, "")
}

// -- Reads --

func seedProfiles(repo *mockProfileRepo) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []*UserProfile{
		{ID: "d2", FirstName: "Zoe", Role: RoleDoctor},
		{ID: "d1", FirstName: "Adam", Role: RoleDoctor},
		{ID: "p1", FirstName: "Mia", Role: RolePatient},
		{ID: "a1", FirstName: "Root", Role: RoleAdmin},
	} {
		p.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		repo.profiles[p.ID] = p
	}
}

func TestDirectories(t *testing.T) {
	svc, repo, _, _ := newTestService()
	seedProfiles(repo)
	ctx := context.Background()

	doctors, err := svc.ListDoctors(ctx)
	if err != nil {
		t.Fatalf("list doctors: %v", err)
	}
	if len(doctors) != 2 || doctors[0].FirstName != "Adam" {
		t.Errorf("expected doctors ordered by first name, got %v", doctors)
	}

	patients, _ := svc.ListPatients(ctx)
	if len(patients) != 1 || patients[0].ID != "p1" {
		t.Errorf("unexpected patients %v", patients)
	}

	users, total, err := svc.ListUsers(ctx, pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if total != 4 || len(users) != 2 || users[0].ID != "a1" {
		t.Errorf("expected newest first page, got total=%d %v", total, users)
	}
}

func TestGetProfileAndByRole(t *testing.T) {
	svc, repo, _, _ := newTestService()
	seedProfiles(repo)
	ctx := context.Background()

	if p, err := svc.GetProfile(ctx, "missing"); p != nil || err != nil {
		t.Errorf("expected absent profile as nil, nil; got %v %v", p, err)
	}
	if p, _ := svc.GetByRole(ctx, "p1", RoleDoctor); p != nil {
		t.Error("patient must not resolve as doctor")
	}
	if p, _ := svc.GetByRole(ctx, "d1", RoleDoctor); p == nil {
		t.Error("expected doctor")
	}
}
