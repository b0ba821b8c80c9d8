package medication

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Medicine is one line of a prescription. An entry counts only when all four
// fields are non-empty.
type Medicine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

func (m Medicine) trimmed() Medicine {
	return Medicine{
		Name:      strings.TrimSpace(m.Name),
		Dosage:    strings.TrimSpace(m.Dosage),
		Frequency: strings.TrimSpace(m.Frequency),
		Duration:  strings.TrimSpace(m.Duration),
	}
}

func (m Medicine) Complete() bool {
	return m.Name != "" && m.Dosage != "" && m.Frequency != "" && m.Duration != ""
}

// FilterComplete trims each entry and silently drops incomplete ones,
// keeping the original order.
func FilterComplete(in []Medicine) []Medicine {
	out := make([]Medicine, 0, len(in))
	for _, m := range in {
		if t := m.trimmed(); t.Complete() {
			out = append(out, t)
		}
	}
	return out
}

// Prescription is written and owned by one doctor. Patient and doctor names
// are copied at write time.
type Prescription struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
	PatientID     string     `json:"patientId"`
	PatientName   string     `json:"patientName"`
	DoctorID      string     `json:"doctorId"`
	DoctorName    string     `json:"doctorName"`
	Medicines     []Medicine `json:"medicines"`
	Notes         *string    `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Matches reports whether term occurs, case-insensitively, in the patient
// name or any medicine name. An empty term matches everything.
func (p *Prescription) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(p.PatientName), term) {
		return true
	}
	for _, m := range p.Medicines {
		if strings.Contains(strings.ToLower(m.Name), term) {
			return true
		}
	}
	return false
}

type Input struct {
	PatientID     string     `json:"patientId"`
	AppointmentID string     `json:"appointmentId"`
	Medicines     []Medicine `json:"medicines"`
	Notes         string     `json:"notes"`
}
