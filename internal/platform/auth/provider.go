package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 6

// Identity is an authenticated principal. It carries no profile data.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Session is a signed-in identity and its bearer token.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Identity  *Identity `json:"identity"`
}

// IdentityChange is emitted on sign-in, account creation and sign-out.
// Identity is nil when the session ended; TokenID names the session the
// change concerns.
type IdentityChange struct {
	IdentityID string
	TokenID    string
	Identity   *Identity
	At         time.Time
}

type Config struct {
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Provider is the identity collaborator: it owns credentials and issues
// and revokes session tokens.
type Provider struct {
	store   CredentialStore
	revoker Revoker
	key     []byte
	issuer  string
	ttl     time.Duration
	cost    int
	now     func() time.Time

	mu        sync.RWMutex
	nextSub   int
	listeners map[int]func(IdentityChange)
}

func NewProvider(store CredentialStore, revoker Revoker, cfg Config) *Provider {
	if revoker == nil {
		revoker = NewTokenRevocationStore()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Provider{
		store:     store,
		revoker:   revoker,
		key:       cfg.SigningKey,
		issuer:    cfg.Issuer,
		ttl:       cfg.TokenTTL,
		cost:      cfg.BcryptCost,
		now:       time.Now,
		listeners: make(map[int]func(IdentityChange)),
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// CreateAccount registers credentials and signs the new account in.
func (p *Provider) CreateAccount(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	cred := &Credential{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}

	sess, err := p.issue(cred)
	if err != nil {
		return nil, err
	}
	p.notify(IdentityChange{IdentityID: sess.Identity.ID, TokenID: sess.Identity.TokenID, Identity: sess.Identity, At: p.now().UTC()})
	return sess, nil
}

// DeleteAccount removes credentials. Used to undo CreateAccount when the
// profile write that follows it fails.
func (p *Provider) DeleteAccount(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrAccountNotFound
	}
	return p.store.DeleteCredential(ctx, uid)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	cred, err := p.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	sess, err := p.issue(cred)
	if err != nil {
		return nil, err
	}
	p.notify(IdentityChange{IdentityID: sess.Identity.ID, TokenID: sess.Identity.TokenID, Identity: sess.Identity, At: p.now().UTC()})
	return sess, nil
}

// SignOut revokes the token until it would have expired anyway.
func (p *Provider) SignOut(ctx context.Context, token string) error {
	ident, err := p.Verify(ctx, token)
	if err != nil {
		return err
	}
	if err := p.revoker.Revoke(ctx, ident.TokenID, ident.ID, ident.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	p.notify(IdentityChange{IdentityID: ident.ID, TokenID: ident.TokenID, At: p.now().UTC()})
	return nil
}

// Verify checks signature, issuer, expiry and revocation.
func (p *Provider) Verify(ctx context.Context, token string) (*Identity, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.key, nil
	}, opts...)
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	revoked, err := p.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}

	return &Identity{
		ID:        claims.Subject,
		Email:     claims.Email,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// OnIdentityChange registers fn for every sign-in, account creation and
// sign-out. Callbacks run synchronously on the caller's goroutine and must
// not block.
func (p *Provider) OnIdentityChange(fn func(IdentityChange)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Provider) notify(change IdentityChange) {
	p.mu.RLock()
	fns := make([]func(IdentityChange), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (p *Provider) issue(cred *Credential) (*Session, error) {
	now := p.now().UTC()
	exp := now.Add(p.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   cred.ID.String(),
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: cred.Email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{
		Token:     signed,
		ExpiresAt: exp,
		Identity: &Identity{
			ID:        cred.ID.String(),
			Email:     cred.Email,
			TokenID:   claims.ID,
			ExpiresAt: exp,
		},
	}, nil
}
