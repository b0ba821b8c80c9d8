package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meditrack/meditrack/internal/platform/db"
)

// Credential is an email/password pair as stored by the identity provider.
type Credential struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredentialByEmail(ctx context.Context, email string) (*Credential, error)
	DeleteCredential(ctx context.Context, id uuid.UUID) error
}

type credentialStorePG struct {
	pool db.Querier
}

func NewCredentialStorePG(pool db.Querier) CredentialStore {
	return &credentialStorePG{pool: pool}
}

func (s *credentialStorePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func (s *credentialStorePG) CreateCredential(ctx context.Context, cred *Credential) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO identity_credential (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		cred.ID, cred.Email, cred.PasswordHash, cred.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrEmailInUse
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *credentialStorePG) GetCredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	var c Credential
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, email, password_hash, created_at
		FROM identity_credential WHERE email = $1`, email,
	).Scan(&c.ID, &c.Email, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *credentialStorePG) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM identity_credential WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
