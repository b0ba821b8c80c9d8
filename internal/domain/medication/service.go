package medication

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/internal/platform/livequery"
	"github.com/meditrack/meditrack/internal/platform/telemetry"
	"github.com/meditrack/meditrack/pkg/apperr"
)

var tracer = telemetry.Tracer("medication")

const (
	msgSelectPatient   = "Please select a patient"
	msgNoMedicine      = "Please add at least one complete medicine"
	msgSaveFailed      = "Failed to save prescription"
	msgDeleteFailed    = "Failed to delete prescription"
	msgNotOwner        = "Only the prescribing doctor can change this prescription"
	msgNoAccess        = "You do not have access to this prescription"
	msgDoctorsOnly     = "Only doctors can write prescriptions"
	msgNotFound        = "Prescription not found"
	msgConfirmDeletion = "Please confirm the prescription deletion"
)

// Directory resolves the patient a prescription is written for.
type Directory interface {
	GetByRole(ctx context.Context, id string, role identity.Role) (*identity.UserProfile, error)
}

type Service struct {
	repo    PrescriptionRepository
	dir     Directory
	bus     livequery.Publisher
	metrics *telemetry.WorkflowMetrics
	now     func() time.Time
}

func NewService(repo PrescriptionRepository, dir Directory, bus livequery.Publisher, metrics *telemetry.WorkflowMetrics) *Service {
	return &Service{repo: repo, dir: dir, bus: bus, metrics: metrics, now: time.Now}
}

func (s *Service) publish(ctx context.Context, id uuid.UUID, op livequery.Op) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, livequery.Change{Collection: livequery.Prescriptions, ID: id.String(), Op: op}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("prescription_id", id.String()).Msg("publish prescription change")
	}
}

// prepare validates in and builds the written fields. Nothing is stored
// when it fails.
func (s *Service) prepare(ctx context.Context, doctor *identity.UserProfile, in Input) (*Prescription, error) {
	if doctor == nil || doctor.Role != identity.RoleDoctor {
		return nil, apperr.Forbidden(msgDoctorsOnly)
	}
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, apperr.Validation(msgSelectPatient)
	}
	medicines := FilterComplete(in.Medicines)
	if len(medicines) == 0 {
		return nil, apperr.Validation(msgNoMedicine)
	}

	var appointmentID *uuid.UUID
	if ref := strings.TrimSpace(in.AppointmentID); ref != "" {
		id, err := uuid.Parse(ref)
		if err != nil {
			return nil, apperr.Validation("Invalid appointment reference")
		}
		appointmentID = &id
	}

	patient, err := s.dir.GetByRole(ctx, patientID, identity.RolePatient)
	if err != nil {
		return nil, apperr.Internal(msgSaveFailed, err)
	}
	if patient == nil {
		return nil, apperr.Validation(msgSelectPatient)
	}

	var notes *string
	if n := strings.TrimSpace(in.Notes); n != "" {
		notes = &n
	}
	return &Prescription{
		AppointmentID: appointmentID,
		PatientID:     patient.ID,
		PatientName:   patient.FullName(),
		DoctorID:      doctor.ID,
		DoctorName:    doctor.FullName(),
		Medicines:     medicines,
		Notes:         notes,
	}, nil
}

func (s *Service) Create(ctx context.Context, doctor *identity.UserProfile, in Input) (p *Prescription, err error) {
	ctx, span := tracer.Start(ctx, "medication.create")
	defer func() { telemetry.EndSpan(span, err) }()

	p, err = s.prepare(ctx, doctor, in)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p.ID = uuid.New()
	p.CreatedAt, p.UpdatedAt = now, now
	span.SetAttributes(attribute.String("prescription.id", p.ID.String()))

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, apperr.Internal(msgSaveFailed, err)
	}
	s.metrics.ObservePrescriptionWrite("create")
	s.publish(ctx, p.ID, livequery.OpCreate)
	return p, nil
}

// owned loads a prescription and checks that doctor wrote it.
func (s *Service) owned(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, failMsg string) (*Prescription, error) {
	if doctor == nil || doctor.Role != identity.RoleDoctor {
		return nil, apperr.Forbidden(msgNotOwner)
	}
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound(msgNotFound)
		}
		return nil, apperr.Internal(failMsg, err)
	}
	if existing.DoctorID != doctor.ID {
		return nil, apperr.Forbidden(msgNotOwner)
	}
	return existing, nil
}

// Update replaces patient, medicines and notes of an existing prescription.
// No history of the previous contents is kept.
func (s *Service) Update(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, in Input) (p *Prescription, err error) {
	ctx, span := tracer.Start(ctx, "medication.update")
	defer func() { telemetry.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("prescription.id", id.String()))

	existing, err := s.owned(ctx, doctor, id, msgSaveFailed)
	if err != nil {
		return nil, err
	}
	p, err = s.prepare(ctx, doctor, in)
	if err != nil {
		return nil, err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()

	if err := s.repo.Replace(ctx, p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound(msgNotFound)
		}
		return nil, apperr.Internal(msgSaveFailed, err)
	}
	s.metrics.ObservePrescriptionWrite("update")
	s.publish(ctx, p.ID, livequery.OpUpdate)
	return p, nil
}

// Delete permanently removes a prescription. Nothing is written unless
// confirmed is set.
func (s *Service) Delete(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, confirmed bool) (err error) {
	ctx, span := tracer.Start(ctx, "medication.delete")
	defer func() { telemetry.EndSpan(span, err) }()

	if !confirmed {
		return apperr.Validation(msgConfirmDeletion)
	}
	if _, err := s.owned(ctx, doctor, id, msgDeleteFailed); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound(msgNotFound)
		}
		return apperr.Internal(msgDeleteFailed, err)
	}
	s.metrics.ObservePrescriptionWrite("delete")
	s.publish(ctx, id, livequery.OpDelete)
	return nil
}

// ScopeQuery restricts q to what viewer may read: the doctor's own
// prescriptions or those written for the patient. Admins read none.
func ScopeQuery(viewer *identity.UserProfile, q db.Query) (db.Query, error) {
	if viewer == nil {
		return q, apperr.Forbidden(msgNoAccess)
	}
	switch viewer.Role {
	case identity.RoleDoctor:
		return q.Where("doctorId", db.OpEq, viewer.ID), nil
	case identity.RolePatient:
		return q.Where("patientId", db.OpEq, viewer.ID), nil
	}
	return q, apperr.Forbidden("Prescriptions are only visible to doctors and patients")
}

// List returns the viewer's prescriptions, newest first, narrowed by search.
func (s *Service) List(ctx context.Context, viewer *identity.UserProfile, search string) ([]*Prescription, error) {
	q, err := ScopeQuery(viewer, db.Query{})
	if err != nil {
		return nil, err
	}
	items, err := s.repo.Query(ctx, q.Order("createdAt", true))
	if err != nil {
		return nil, apperr.Internal("Failed to load prescriptions", err)
	}
	out := make([]*Prescription, 0, len(items))
	for _, p := range items {
		if p.Matches(search) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, viewer *identity.UserProfile, id uuid.UUID) (*Prescription, error) {
	if _, err := ScopeQuery(viewer, db.Query{}); err != nil {
		return nil, err
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound(msgNotFound)
		}
		return nil, apperr.Internal("Failed to load prescription", err)
	}
	if p.DoctorID != viewer.ID && p.PatientID != viewer.ID {
		return nil, apperr.Forbidden(msgNoAccess)
	}
	return p, nil
}
