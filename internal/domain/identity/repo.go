package identity

import (
	"context"
	"errors"

	"github.com/meditrack/meditrack/internal/platform/db"
)

var ErrNotFound = errors.New("profile not found")

type ProfileRepository interface {
	Create(ctx context.Context, p *UserProfile) error
	GetByID(ctx context.Context, id string) (*UserProfile, error)
	Update(ctx context.Context, id string, fields ProfileFields) error
	Query(ctx context.Context, q db.Query) ([]*UserProfile, error)
	Count(ctx context.Context, q db.Query) (int, error)
}
