package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/livequery"
)

type memCredentials struct {
	mu      sync.Mutex
	byEmail map[string]*auth.Credential
}

func (m *memCredentials) CreateCredential(_ context.Context, cred *auth.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[cred.Email]; ok {
		return auth.ErrEmailInUse
	}
	m.byEmail[cred.Email] = cred
	return nil
}

func (m *memCredentials) GetCredentialByEmail(_ context.Context, email string) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byEmail[email]
	if !ok {
		return nil, auth.ErrAccountNotFound
	}
	return c, nil
}

func (m *memCredentials) DeleteCredential(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, c := range m.byEmail {
		if c.ID == id {
			delete(m.byEmail, email)
		}
	}
	return nil
}

// replica is one server process: its own provider and resolver over the
// shared credential store, revocations and bus.
func replica(creds auth.CredentialStore, rev auth.Revoker, bus livequery.Bus, profiles ProfileSource) (*auth.Provider, *Resolver, func()) {
	p := auth.NewProvider(creds, rev, auth.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "meditrack",
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	})
	stop := ShareSignOuts(p, bus, zerolog.Nop())
	return p, NewResolver(profiles, p, bus), stop
}

func TestWatch_SignOutOnOtherReplicaEndsSession(t *testing.T) {
	creds := &memCredentials{byEmail: make(map[string]*auth.Credential)}
	rev := auth.NewTokenRevocationStore()
	defer rev.Close()
	bus := livequery.NewMemoryBus()
	profiles := newMockProfiles()

	provA, _, stopA := replica(creds, rev, bus, profiles)
	defer stopA()
	provB, resolverB, stopB := replica(creds, rev, bus, profiles)
	defer stopB()

	ctx := context.Background()
	sess, err := provA.CreateAccount(ctx, "jane@example.com", "correct-horse-battery")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	profiles.mu.Lock()
	profiles.profiles[sess.Identity.ID] = &identity.UserProfile{ID: sess.Identity.ID, Email: "jane@example.com", Role: identity.RolePatient}
	profiles.mu.Unlock()

	ident, err := provB.Verify(ctx, sess.Token)
	if err != nil {
		t.Fatalf("verify on B: %v", err)
	}

	deliver, next := collect(t)
	stop := resolverB.Watch(ctx, ident, deliver)
	defer stop()
	if st := next(2)[1]; st.Profile == nil {
		t.Fatalf("expected resolved session on B, got %+v", st)
	}

	if err := provA.SignOut(ctx, sess.Token); err != nil {
		t.Fatalf("sign out on A: %v", err)
	}

	states := next(1)
	if !states[0].SignedOut() {
		t.Errorf("expected B's watch to end, got %+v", states[0])
	}
	if _, err := provB.Verify(ctx, sess.Token); err == nil {
		t.Error("expected token revoked for B as well")
	}
}

func TestShareSignOuts_PublishesOnlySignOuts(t *testing.T) {
	events := newFakeEvents()
	bus := livequery.NewMemoryBus()
	changes, cancel := bus.Listen(livequery.Sessions)
	defer cancel()

	stop := ShareSignOuts(events, bus, zerolog.Nop())
	defer stop()

	events.emit(auth.IdentityChange{IdentityID: "u1", TokenID: "tok-1", Identity: janeIdent})
	events.emit(auth.IdentityChange{IdentityID: "u1", TokenID: "tok-2"})

	select {
	case c := <-changes:
		if c.ID != "u1" || c.Token != "tok-2" || c.Op != livequery.OpDelete {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("expected shared sign-out")
	}
	select {
	case c := <-changes:
		t.Errorf("sign-in must not be shared, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatch_SharedSignOutOfOtherTokenKeepsSession(t *testing.T) {
	bus := livequery.NewMemoryBus()
	r := NewResolver(newMockProfiles(jane), newFakeEvents(), bus)
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), janeIdent, deliver)
	defer stop()
	next(2)

	_ = bus.Publish(context.Background(), livequery.Change{Collection: livequery.Sessions, ID: "u1", Op: livequery.OpDelete, Token: "tok-other"})
	if st := next(2)[1]; st.Profile == nil {
		t.Fatalf("expected session to survive, got %+v", st)
	}

	_ = bus.Publish(context.Background(), livequery.Change{Collection: livequery.Sessions, ID: "u1", Op: livequery.OpDelete, Token: "tok-1"})
	if st := next(1)[0]; !st.SignedOut() {
		t.Errorf("expected no-session state, got %+v", st)
	}
}

func TestWatch_ResyncReResolves(t *testing.T) {
	profiles := newMockProfiles(jane)
	bus := livequery.NewMemoryBus()
	r := NewResolver(profiles, newFakeEvents(), bus)
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), janeIdent, deliver)
	defer stop()
	next(2)

	profiles.rename("u1", "Janet")
	_ = bus.Publish(context.Background(), livequery.Change{Collection: livequery.Users, Op: livequery.OpResync})
	if st := next(2)[1]; st.Profile == nil || st.Profile.FirstName != "Janet" {
		t.Errorf("expected re-read profile, got %+v", st.Profile)
	}
}
