package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/meditrack/meditrack/internal/platform/db"
)

var ErrNotFound = errors.New("appointment not found")

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateStatus is a partial write of status and, when note is non-nil,
	// doctor_note. It does not re-check the stored status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, note *string) error
	Query(ctx context.Context, q db.Query) ([]*Appointment, error)
	Count(ctx context.Context, q db.Query) (int, error)
}
