// Package session turns an authenticated identity into the caller's profile
// and role, once per request or continuously for long-lived connections.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/livequery"
)

// ProfileSource loads a profile by identity id. A missing profile is
// reported as nil, nil.
type ProfileSource interface {
	GetProfile(ctx context.Context, id string) (*identity.UserProfile, error)
}

// IdentityEvents is the sign-in/sign-out feed of the identity collaborator.
type IdentityEvents interface {
	OnIdentityChange(fn func(auth.IdentityChange)) func()
}

// State is the resolved session. With no identity both pointers are nil.
type State struct {
	Identity *auth.Identity        `json:"identity"`
	Profile  *identity.UserProfile `json:"profile"`
	Loading  bool                  `json:"loading"`
}

// SignedOut reports whether s is the no-session state.
func (s State) SignedOut() bool {
	return s.Identity == nil && !s.Loading
}

type Resolver struct {
	profiles ProfileSource
	events   IdentityEvents
	bus      livequery.Listener
}

// NewResolver builds a resolver. events and bus may be nil, in which case
// Watch only emits the initial resolution.
func NewResolver(profiles ProfileSource, events IdentityEvents, bus livequery.Listener) *Resolver {
	return &Resolver{profiles: profiles, events: events, bus: bus}
}

// Resolve fetches the profile for ident. Lookup failures are logged and
// resolve to no profile.
func (r *Resolver) Resolve(ctx context.Context, ident *auth.Identity) State {
	if ident == nil {
		return State{}
	}
	p, err := r.profiles.GetProfile(ctx, ident.ID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("identity_id", ident.ID).Msg("profile lookup failed")
		return State{Identity: ident}
	}
	if p == nil {
		return State{Identity: ident}
	}
	return State{Identity: ident, Profile: p}
}

// Watch emits the state for ident and re-resolves whenever the identity
// collaborator reports a change for it or its profile is written. Sign-outs
// shared on the bus by other processes end the session like local ones. Each
// resolution is preceded by a Loading state. Ending ident's session emits the
// no-session state and ends the watch.
//
// fn runs on the watch goroutine and must not call the returned stop
// function. No call to fn happens after stop returns.
func (r *Resolver) Watch(ctx context.Context, ident *auth.Identity, fn func(State)) func() {
	ctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)

	var mu sync.Mutex
	current := ident
	var stops []func()

	if ident != nil && r.events != nil {
		stops = append(stops, r.events.OnIdentityChange(func(ch auth.IdentityChange) {
			if ch.IdentityID != ident.ID {
				return
			}
			if ch.Identity == nil && endsSession(ident, ch.TokenID) {
				mu.Lock()
				current = nil
				mu.Unlock()
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}))
	}

	var changes <-chan livequery.Change
	if ident != nil && r.bus != nil {
		ch, stop := r.bus.Listen(livequery.Users, livequery.Sessions)
		changes = ch
		stops = append(stops, stop)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		// resolve reports false once the session has ended.
		resolve := func() bool {
			mu.Lock()
			id := current
			mu.Unlock()
			if ctx.Err() != nil {
				return false
			}
			if id == nil {
				fn(State{})
				return false
			}
			fn(State{Identity: id, Loading: true})
			st := r.Resolve(ctx, id)
			if ctx.Err() != nil {
				return false
			}
			fn(st)
			return true
		}

		if !resolve() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				if !resolve() {
					return
				}
			case c, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				if c.Op != livequery.OpResync && c.ID != ident.ID {
					continue
				}
				if c.Collection == livequery.Sessions && c.Op == livequery.OpDelete && endsSession(ident, c.Token) {
					mu.Lock()
					current = nil
					mu.Unlock()
				}
				if !resolve() {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, stop := range stops {
				stop()
			}
			cancel()
			<-done
		})
	}
}

// endsSession reports whether the end of session tokenID covers ident. An
// empty tokenID ends every session of the identity.
func endsSession(ident *auth.Identity, tokenID string) bool {
	return tokenID == "" || tokenID == ident.TokenID
}
