// Package docimport loads a document-store export into the clinic tables.
//
// The export is one JSON object keyed by collection and then by document id:
//
//	{"users": {id: {...}}, "appointments": {id: {...}}, "prescriptions": {id: {...}}}
//
// Timestamps may come in any shape pkg/timestamp understands. Appointment and
// prescription ids that are not UUIDs get fresh ones, and prescription links
// to remapped appointments follow. Credentials are never part of an export.
package docimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/domain/medication"
	"github.com/meditrack/meditrack/internal/domain/scheduling"
	"github.com/meditrack/meditrack/pkg/timestamp"
)

const maxConcernLength = 200

type Export struct {
	Users         map[string]json.RawMessage `json:"users"`
	Appointments  map[string]json.RawMessage `json:"appointments"`
	Prescriptions map[string]json.RawMessage `json:"prescriptions"`
}

type userDoc struct {
	Email          string      `json:"email"`
	FirstName      string      `json:"firstName"`
	LastName       string      `json:"lastName"`
	Phone          *string     `json:"phone"`
	Role           string      `json:"role"`
	Specialization *string     `json:"specialization"`
	CreatedAt      interface{} `json:"createdAt"`
}

type appointmentDoc struct {
	PatientID   string      `json:"patientId"`
	PatientName string      `json:"patientName"`
	DoctorID    string      `json:"doctorId"`
	DoctorName  string      `json:"doctorName"`
	Date        interface{} `json:"date"`
	Time        string      `json:"time"`
	Concern     string      `json:"concern"`
	Status      string      `json:"status"`
	DoctorNote  *string     `json:"doctorNote"`
	CreatedAt   interface{} `json:"createdAt"`
}

type prescriptionDoc struct {
	AppointmentID string                `json:"appointmentId"`
	PatientID     string                `json:"patientId"`
	PatientName   string                `json:"patientName"`
	DoctorID      string                `json:"doctorId"`
	DoctorName    string                `json:"doctorName"`
	Medicines     []medication.Medicine `json:"medicines"`
	Notes         *string               `json:"notes"`
	CreatedAt     interface{}           `json:"createdAt"`
	UpdatedAt     interface{}           `json:"updatedAt"`
}

type ProfileWriter interface {
	Create(ctx context.Context, p *identity.UserProfile) error
}

type AppointmentWriter interface {
	Create(ctx context.Context, a *scheduling.Appointment) error
}

type PrescriptionWriter interface {
	Create(ctx context.Context, p *medication.Prescription) error
}

// Counts tallies one collection. Skipped rows were invalid; Failed rows
// were valid but the store refused them.
type Counts struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type Result struct {
	Users         Counts `json:"users"`
	Appointments  Counts `json:"appointments"`
	Prescriptions Counts `json:"prescriptions"`
	// Remapped maps export appointment and prescription ids to the UUIDs
	// they were stored under, for ids that changed.
	Remapped map[string]string `json:"remapped,omitempty"`
}

type Importer struct {
	users ProfileWriter
	appts AppointmentWriter
	rx    PrescriptionWriter
	loc   *time.Location
	now   func() time.Time
}

// New builds an importer. Zone-less date strings are read in loc.
func New(users ProfileWriter, appts AppointmentWriter, rx PrescriptionWriter, loc *time.Location) *Importer {
	if loc == nil {
		loc = time.UTC
	}
	return &Importer{users: users, appts: appts, rx: rx, loc: loc, now: time.Now}
}

// Decode reads an export. Numbers are kept exact so epoch milliseconds
// survive.
func Decode(r io.Reader) (*Export, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var exp Export
	if err := dec.Decode(&exp); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &exp, nil
}

// Load decodes r and imports it.
func (im *Importer) Load(ctx context.Context, r io.Reader) (*Result, error) {
	exp, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return im.Run(ctx, exp)
}

// Run imports users, then appointments, then prescriptions, each in id
// order. Only a cancelled ctx stops it early.
func (im *Importer) Run(ctx context.Context, exp *Export) (*Result, error) {
	log := zerolog.Ctx(ctx)
	res := &Result{Remapped: make(map[string]string)}
	apptIDs := make(map[string]uuid.UUID)

	for _, id := range sortedKeys(exp.Users) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := im.profile(id, exp.Users[id])
		if err != nil {
			res.Users.Skipped++
			log.Warn().Str("collection", "users").Str("id", id).Err(err).Msg("skipping document")
			continue
		}
		if err := im.users.Create(ctx, p); err != nil {
			res.Users.Failed++
			log.Error().Str("collection", "users").Str("id", id).Err(err).Msg("store refused document")
			continue
		}
		res.Users.Imported++
	}

	for _, id := range sortedKeys(exp.Appointments) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a, err := im.appointment(exp.Appointments[id])
		if err != nil {
			res.Appointments.Skipped++
			log.Warn().Str("collection", "appointments").Str("id", id).Err(err).Msg("skipping document")
			continue
		}
		a.ID = storeID(id)
		if err := im.appts.Create(ctx, a); err != nil {
			res.Appointments.Failed++
			log.Error().Str("collection", "appointments").Str("id", id).Err(err).Msg("store refused document")
			continue
		}
		apptIDs[id] = a.ID
		if a.ID.String() != id {
			res.Remapped[id] = a.ID.String()
		}
		res.Appointments.Imported++
	}

	for _, id := range sortedKeys(exp.Prescriptions) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, ref, err := im.prescription(exp.Prescriptions[id])
		if err != nil {
			res.Prescriptions.Skipped++
			log.Warn().Str("collection", "prescriptions").Str("id", id).Err(err).Msg("skipping document")
			continue
		}
		p.ID = storeID(id)
		p.AppointmentID = linkAppointment(ref, apptIDs)
		if err := im.rx.Create(ctx, p); err != nil {
			res.Prescriptions.Failed++
			log.Error().Str("collection", "prescriptions").Str("id", id).Err(err).Msg("store refused document")
			continue
		}
		if p.ID.String() != id {
			res.Remapped[id] = p.ID.String()
		}
		res.Prescriptions.Imported++
	}

	return res, nil
}

func (im *Importer) profile(id string, raw json.RawMessage) (*identity.UserProfile, error) {
	var doc userDoc
	if err := decodeDoc(raw, &doc); err != nil {
		return nil, err
	}
	role := identity.Role(strings.ToLower(strings.TrimSpace(doc.Role)))
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", doc.Role)
	}
	email := strings.ToLower(strings.TrimSpace(doc.Email))
	if strings.TrimSpace(id) == "" || email == "" {
		return nil, errors.New("missing id or email")
	}
	created, err := im.optionalTime(doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}

	p := &identity.UserProfile{
		ID:        id,
		Email:     email,
		FirstName: strings.TrimSpace(doc.FirstName),
		LastName:  strings.TrimSpace(doc.LastName),
		Phone:     trimmed(doc.Phone),
		Role:      role,
		CreatedAt: created,
	}
	if role == identity.RoleDoctor {
		p.Specialization = trimmed(doc.Specialization)
	}
	return p, nil
}

func (im *Importer) appointment(raw json.RawMessage) (*scheduling.Appointment, error) {
	var doc appointmentDoc
	if err := decodeDoc(raw, &doc); err != nil {
		return nil, err
	}
	status := scheduling.Status(strings.ToLower(strings.TrimSpace(doc.Status)))
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", doc.Status)
	}
	if doc.PatientID == "" || doc.DoctorID == "" {
		return nil, errors.New("missing patientId or doctorId")
	}
	concern := strings.TrimSpace(doc.Concern)
	if concern == "" || len([]rune(concern)) > maxConcernLength {
		return nil, errors.New("concern must be 1 to 200 characters")
	}
	date, err := timestamp.NormalizeIn(doc.Date, im.loc)
	if err != nil {
		return nil, fmt.Errorf("date: %w", err)
	}
	created, err := im.optionalTime(doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}

	slot := strings.TrimSpace(doc.Time)
	if slot == "" {
		slot = date.In(im.loc).Format("15:04")
	} else if _, err := time.Parse("15:04", slot); err != nil {
		return nil, fmt.Errorf("time %q is not HH:MM", doc.Time)
	}

	return &scheduling.Appointment{
		PatientID:   doc.PatientID,
		PatientName: strings.TrimSpace(doc.PatientName),
		DoctorID:    doc.DoctorID,
		DoctorName:  strings.TrimSpace(doc.DoctorName),
		Date:        date.UTC(),
		Time:        slot,
		Concern:     concern,
		Status:      status,
		DoctorNote:  trimmed(doc.DoctorNote),
		CreatedAt:   created,
	}, nil
}

// prescription returns the document and its raw appointment reference.
func (im *Importer) prescription(raw json.RawMessage) (*medication.Prescription, string, error) {
	var doc prescriptionDoc
	if err := decodeDoc(raw, &doc); err != nil {
		return nil, "", err
	}
	if doc.PatientID == "" || doc.DoctorID == "" {
		return nil, "", errors.New("missing patientId or doctorId")
	}
	medicines := medication.FilterComplete(doc.Medicines)
	if len(medicines) == 0 {
		return nil, "", errors.New("no complete medicine")
	}
	created, err := im.optionalTime(doc.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("createdAt: %w", err)
	}
	updated := created
	if doc.UpdatedAt != nil {
		if updated, err = timestamp.NormalizeIn(doc.UpdatedAt, im.loc); err != nil {
			return nil, "", fmt.Errorf("updatedAt: %w", err)
		}
		updated = updated.UTC()
	}

	return &medication.Prescription{
		PatientID:   doc.PatientID,
		PatientName: strings.TrimSpace(doc.PatientName),
		DoctorID:    doc.DoctorID,
		DoctorName:  strings.TrimSpace(doc.DoctorName),
		Medicines:   medicines,
		Notes:       trimmed(doc.Notes),
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, strings.TrimSpace(doc.AppointmentID), nil
}

// optionalTime normalizes v, falling back to the import time when absent.
func (im *Importer) optionalTime(v interface{}) (time.Time, error) {
	t, err := timestamp.NormalizeIn(v, im.loc)
	if errors.Is(err, timestamp.ErrMissing) {
		return im.now().UTC(), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func decodeDoc(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed document: %w", err)
	}
	return nil
}

// storeID keeps ids that already are UUIDs.
func storeID(id string) uuid.UUID {
	if u, err := uuid.Parse(id); err == nil {
		return u
	}
	return uuid.New()
}

// linkAppointment resolves an export appointment reference. References to
// appointments that were not imported are kept only when they are UUIDs.
func linkAppointment(ref string, imported map[string]uuid.UUID) *uuid.UUID {
	if ref == "" {
		return nil
	}
	if id, ok := imported[ref]; ok {
		return &id
	}
	if id, err := uuid.Parse(ref); err == nil {
		return &id
	}
	return nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
