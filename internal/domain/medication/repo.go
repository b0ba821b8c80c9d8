package medication

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/meditrack/meditrack/internal/platform/db"
)

var ErrNotFound = errors.New("prescription not found")

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// Replace overwrites every field except id and created_at.
	Replace(ctx context.Context, p *Prescription) error
	Delete(ctx context.Context, id uuid.UUID) error
	Query(ctx context.Context, q db.Query) ([]*Prescription, error)
}
