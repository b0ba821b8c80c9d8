package scheduling

import (
	"context"
	"errors"
	"fmt"
	"regexp"
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
	"github.com/meditrack/meditrack/pkg/timestamp"
)

var tracer = telemetry.Tracer("scheduling")

const (
	maxConcernLength = 200

	msgFillAllFields  = "Please fill in all fields"
	msgPastDate       = "Cannot book appointments for past dates"
	msgBookFailed     = "Failed to book appointment. Please try again."
	msgUpdateFailed   = "Failed to update appointment"
	msgCompleteFailed = "Failed to mark appointment as completed"
	msgNotAssigned    = "Only the assigned doctor can update this appointment"
	msgNoAccess       = "You do not have access to this appointment"
)

var dateOnly = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Directory resolves the doctor named in a booking.
type Directory interface {
	GetByRole(ctx context.Context, id string, role identity.Role) (*identity.UserProfile, error)
}

type Config struct {
	// Location is the clinic time zone; calendar days are taken in it.
	Location   *time.Location
	DailyLimit int
}

type Service struct {
	repo    AppointmentRepository
	dir     Directory
	bus     livequery.Publisher
	metrics *telemetry.WorkflowMetrics
	loc     *time.Location
	limit   int
	now     func() time.Time
}

func NewService(repo AppointmentRepository, dir Directory, bus livequery.Publisher, metrics *telemetry.WorkflowMetrics, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 2
	}
	return &Service{
		repo:    repo,
		dir:     dir,
		bus:     bus,
		metrics: metrics,
		loc:     cfg.Location,
		limit:   cfg.DailyLimit,
		now:     time.Now,
	}
}

func (s *Service) publish(ctx context.Context, id uuid.UUID, op livequery.Op) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, livequery.Change{Collection: livequery.Appointments, ID: id.String(), Op: op}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("appointment_id", id.String()).Msg("publish appointment change")
	}
}

func (s *Service) reject(reason string, err error) error {
	s.metrics.ObserveBookingRejected(reason)
	return err
}

// parseDay reads a booking date as a calendar day in the clinic zone.
func (s *Service) parseDay(v string) (time.Time, error) {
	if dateOnly.MatchString(v) {
		return time.ParseInLocation("2006-01-02", v, s.loc)
	}
	t, err := timestamp.NormalizeIn(v, s.loc)
	if err != nil {
		return time.Time{}, err
	}
	start, _ := dayBounds(t, s.loc)
	return start, nil
}

// Book creates a pending appointment for patient. The daily limit is a
// point-in-time count taken just before the insert; concurrent bookings by
// the same patient can both pass it.
func (s *Service) Book(ctx context.Context, patient *identity.UserProfile, in BookInput) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "scheduling.book")
	defer func() { telemetry.EndSpan(span, err) }()

	if patient == nil || patient.Role != identity.RolePatient {
		return nil, apperr.Forbidden("Only patients can book appointments")
	}
	telemetry.ActorAttrs(ctx, patient.ID, string(patient.Role))

	doctorID := strings.TrimSpace(in.DoctorID)
	date := strings.TrimSpace(in.Date)
	slot := strings.TrimSpace(in.Time)
	concern := strings.TrimSpace(in.Concern)
	if doctorID == "" || date == "" || slot == "" || concern == "" {
		return nil, s.reject("missing_fields", apperr.Validation(msgFillAllFields))
	}
	if len([]rune(concern)) > maxConcernLength {
		return nil, s.reject("concern_too_long", apperr.Validation("Concern must be 200 characters or fewer"))
	}
	if !validSlot(slot) {
		return nil, s.reject("invalid_slot", apperr.Validation("Please select a valid time slot"))
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, s.reject("invalid_date", apperr.Validation("Please select a valid date"))
	}

	today, _ := dayBounds(s.now(), s.loc)
	if day.Before(today) {
		return nil, s.reject("past_date", apperr.Validation(msgPastDate))
	}

	doctor, err := s.dir.GetByRole(ctx, doctorID, identity.RoleDoctor)
	if err != nil {
		return nil, apperr.Internal(msgBookFailed, err)
	}
	if doctor == nil {
		return nil, s.reject("unknown_doctor", apperr.Validation("Please select a valid doctor"))
	}

	start, end := dayBounds(day, s.loc)
	existing, err := s.repo.Count(ctx, db.Query{}.
		Where("patientId", db.OpEq, patient.ID).
		Where("date", db.OpGte, start).
		Where("date", db.OpLte, end))
	if err != nil {
		return nil, apperr.Internal(msgBookFailed, err)
	}
	if existing >= s.limit {
		return nil, s.reject("daily_limit", apperr.Validation(fmt.Sprintf("You can only book maximum %d appointments per day", s.limit)))
	}

	when, err := at(day, slot, s.loc)
	if err != nil {
		return nil, apperr.Validation("Please select a valid time slot")
	}
	appt = &Appointment{
		ID:          uuid.New(),
		PatientID:   patient.ID,
		PatientName: patient.FullName(),
		DoctorID:    doctor.ID,
		DoctorName:  doctor.FullName(),
		Date:        when,
		Time:        slot,
		Concern:     concern,
		Status:      StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	span.SetAttributes(attribute.String("appointment.id", appt.ID.String()))
	if err := s.repo.Create(ctx, appt); err != nil {
		return nil, apperr.Internal(msgBookFailed, err)
	}

	s.metrics.ObserveBooked()
	s.publish(ctx, appt.ID, livequery.OpCreate)
	return appt, nil
}

func (s *Service) Approve(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, note string) (*Appointment, error) {
	return s.transition(ctx, doctor, id, StatusApproved, note, msgUpdateFailed)
}

func (s *Service) Reject(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, note string) (*Appointment, error) {
	return s.transition(ctx, doctor, id, StatusRejected, note, msgUpdateFailed)
}

// MarkCompleted closes an approved appointment. Nothing is written unless
// confirmed is set.
func (s *Service) MarkCompleted(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, confirmed bool) (*Appointment, error) {
	if !confirmed {
		return nil, apperr.Validation("Please confirm the appointment is completed")
	}
	return s.transition(ctx, doctor, id, StatusCompleted, "", msgCompleteFailed)
}

func (s *Service) transition(ctx context.Context, doctor *identity.UserProfile, id uuid.UUID, to Status, note, failMsg string) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "scheduling.transition")
	defer func() { telemetry.EndSpan(span, err) }()
	span.SetAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("appointment.to", string(to)),
	)

	if doctor == nil || doctor.Role != identity.RoleDoctor {
		return nil, apperr.Forbidden(msgNotAssigned)
	}
	appt, err = s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("Appointment not found")
		}
		return nil, apperr.Internal(failMsg, err)
	}
	if appt.DoctorID != doctor.ID {
		return nil, apperr.Forbidden(msgNotAssigned)
	}
	if !CanTransition(appt.Status, to) {
		return nil, apperr.Conflict(fmt.Sprintf("cannot change appointment from %s to %s", appt.Status, to))
	}

	var doctorNote *string
	if n := strings.TrimSpace(note); n != "" {
		doctorNote = &n
	}
	if err := s.repo.UpdateStatus(ctx, id, to, doctorNote); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("Appointment not found")
		}
		return nil, apperr.Internal(failMsg, err)
	}

	appt.Status = to
	if doctorNote != nil {
		appt.DoctorNote = doctorNote
	}
	s.metrics.ObserveTransition(string(to))
	s.publish(ctx, id, livequery.OpUpdate)
	return appt, nil
}

func canView(viewer *identity.UserProfile, a *Appointment) bool {
	switch viewer.Role {
	case identity.RoleAdmin:
		return true
	case identity.RoleDoctor:
		return a.DoctorID == viewer.ID
	case identity.RolePatient:
		return a.PatientID == viewer.ID
	}
	return false
}

func (s *Service) Get(ctx context.Context, viewer *identity.UserProfile, id uuid.UUID) (*Appointment, error) {
	if viewer == nil {
		return nil, apperr.Forbidden(msgNoAccess)
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("Appointment not found")
		}
		return nil, apperr.Internal("Failed to load appointment", err)
	}
	if !canView(viewer, a) {
		return nil, apperr.Forbidden(msgNoAccess)
	}
	return a, nil
}

// ScopeQuery restricts q to the appointments viewer may see: a patient's
// own, a doctor's assigned, or all of them for an admin.
func ScopeQuery(viewer *identity.UserProfile, q db.Query) (db.Query, error) {
	if viewer == nil {
		return q, apperr.Forbidden(msgNoAccess)
	}
	switch viewer.Role {
	case identity.RolePatient:
		return q.Where("patientId", db.OpEq, viewer.ID), nil
	case identity.RoleDoctor:
		return q.Where("doctorId", db.OpEq, viewer.ID), nil
	case identity.RoleAdmin:
		return q, nil
	}
	return q, apperr.Forbidden(msgNoAccess)
}

// List returns the viewer's appointments, newest date first, optionally
// narrowed to one status.
func (s *Service) List(ctx context.Context, viewer *identity.UserProfile, status Status) ([]*Appointment, error) {
	q, err := ScopeQuery(viewer, db.Query{})
	if err != nil {
		return nil, err
	}
	if status != "" {
		if !status.Valid() {
			return nil, apperr.Validation("Unknown appointment status")
		}
		q = q.Where("status", db.OpEq, string(status))
	}
	items, err := s.repo.Query(ctx, q.Order("date", true))
	if err != nil {
		return nil, apperr.Internal("Failed to load appointments", err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return items, nil
}
