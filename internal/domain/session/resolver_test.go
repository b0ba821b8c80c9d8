package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/livequery"
)

type mockProfiles struct {
	mu       sync.Mutex
	profiles map[string]*identity.UserProfile
	err      error
	calls    int
}

func newMockProfiles(ps ...*identity.UserProfile) *mockProfiles {
	m := &mockProfiles{profiles: make(map[string]*identity.UserProfile)}
	for _, p := range ps {
		cp := *p
		m.profiles[p.ID] = &cp
	}
	return m
}

func (m *mockProfiles) GetProfile(_ context.Context, id string) (*identity.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockProfiles) rename(id, first string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[id].FirstName = first
}

type fakeEvents struct {
	mu  sync.Mutex
	fns map[int]func(auth.IdentityChange)
	n   int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{fns: make(map[int]func(auth.IdentityChange))}
}

func (f *fakeEvents) OnIdentityChange(fn func(auth.IdentityChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.n
	f.n++
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.fns, id)
		f.mu.Unlock()
	}
}

func (f *fakeEvents) emit(ch auth.IdentityChange) {
	f.mu.Lock()
	fns := make([]func(auth.IdentityChange), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

var (
	jane      = &identity.UserProfile{ID: "u1", Email: "jane@example.com", FirstName: "Jane", LastName: "Doe", Role: identity.RolePatient, CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("X", 3600))}
	janeIdent = &auth.Identity{ID: "u1", Email: "jane@example.com", TokenID: "tok-1"}
)

func TestResolve(t *testing.T) {
	r := NewResolver(newMockProfiles(jane), nil, nil)
	ctx := context.Background()

	if st := r.Resolve(ctx, nil); !st.SignedOut() || st.Profile != nil {
		t.Errorf("expected no-session state, got %+v", st)
	}

	st := r.Resolve(ctx, janeIdent)
	if st.Loading || st.Profile == nil || st.Profile.Role != identity.RolePatient {
		t.Fatalf("unexpected state %+v", st)
	}

	st = r.Resolve(ctx, &auth.Identity{ID: "nobody"})
	if st.Identity == nil || st.Profile != nil || st.Loading {
		t.Errorf("expected identity without profile, got %+v", st)
	}
}

func TestResolve_LookupFailureIsNoProfile(t *testing.T) {
	profiles := newMockProfiles(jane)
	profiles.err = errors.New("store down")
	st := NewResolver(profiles, nil, nil).Resolve(context.Background(), janeIdent)
	if st.Profile != nil || st.Loading || st.Identity != janeIdent {
		t.Errorf("expected quiet no-profile state, got %+v", st)
	}
}

func collect(t *testing.T) (func(State), func(n int) []State) {
	t.Helper()
	ch := make(chan State, 32)
	next := func(n int) []State {
		t.Helper()
		out := make([]State, 0, n)
		for len(out) < n {
			select {
			case st := <-ch:
				out = append(out, st)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out after %d of %d states", len(out), n)
			}
		}
		return out
	}
	return func(st State) { ch <- st }, next
}

func TestWatch_InitialLoadingThenResolved(t *testing.T) {
	r := NewResolver(newMockProfiles(jane), newFakeEvents(), livequery.NewMemoryBus())
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), janeIdent, deliver)
	defer stop()

	states := next(2)
	if !states[0].Loading || states[0].Profile != nil {
		t.Errorf("expected loading first, got %+v", states[0])
	}
	if states[1].Loading || states[1].Profile == nil {
		t.Errorf("expected resolved profile, got %+v", states[1])
	}
}

func TestWatch_ReResolvesOnProfileWrite(t *testing.T) {
	profiles := newMockProfiles(jane)
	bus := livequery.NewMemoryBus()
	r := NewResolver(profiles, newFakeEvents(), bus)
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), janeIdent, deliver)
	defer stop()
	next(2)

	// Another user's write does not concern this session.
	_ = bus.Publish(context.Background(), livequery.Change{Collection: livequery.Users, ID: "other", Op: livequery.OpUpdate})

	profiles.rename("u1", "Janet")
	_ = bus.Publish(context.Background(), livequery.Change{Collection: livequery.Users, ID: "u1", Op: livequery.OpUpdate})

	states := next(2)
	if states[1].Profile == nil || states[1].Profile.FirstName != "Janet" {
		t.Errorf("expected renamed profile, got %+v", states[1].Profile)
	}
}

func TestWatch_SignOutEndsSession(t *testing.T) {
	events := newFakeEvents()
	r := NewResolver(newMockProfiles(jane), events, livequery.NewMemoryBus())
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), janeIdent, deliver)
	defer stop()
	next(2)

	// Sign-out of a different session of the same identity re-resolves only.
	events.emit(auth.IdentityChange{IdentityID: "u1", TokenID: "tok-other"})
	states := next(2)
	if states[1].Profile == nil {
		t.Fatalf("expected session to survive, got %+v", states[1])
	}

	events.emit(auth.IdentityChange{IdentityID: "u1", TokenID: "tok-1"})
	states = next(1)
	if !states[0].SignedOut() || states[0].Profile != nil {
		t.Errorf("expected no-session state, got %+v", states[0])
	}
}

func TestWatch_StopUnsubscribes(t *testing.T) {
	events := newFakeEvents()
	bus := livequery.NewMemoryBus()
	r := NewResolver(newMockProfiles(jane), events, bus)
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), janeIdent, deliver)
	next(2)

	stop()
	stop()
	if events.count() != 0 {
		t.Errorf("expected identity listener removed, got %d", events.count())
	}
	if bus.ListenerCount() != 0 {
		t.Errorf("expected bus listener removed, got %d", bus.ListenerCount())
	}
}

func TestWatch_NilIdentity(t *testing.T) {
	r := NewResolver(newMockProfiles(), newFakeEvents(), livequery.NewMemoryBus())
	deliver, next := collect(t)
	stop := r.Watch(context.Background(), nil, deliver)
	defer stop()
	if st := next(1)[0]; !st.SignedOut() {
		t.Errorf("expected no-session state, got %+v", st)
	}
}
