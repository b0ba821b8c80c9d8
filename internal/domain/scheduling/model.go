package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// transitions lists the statuses reachable from each status. Nothing leads
// back to pending.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusCompleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether an appointment in from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Appointment is a booking request. Patient and doctor names are copied at
// booking time and not kept in sync with later profile edits.
type Appointment struct {
	ID          uuid.UUID `json:"id"`
	PatientID   string    `json:"patientId"`
	PatientName string    `json:"patientName"`
	DoctorID    string    `json:"doctorId"`
	DoctorName  string    `json:"doctorName"`
	Date        time.Time `json:"date"`
	Time        string    `json:"time"`
	Concern     string    `json:"concern"`
	Status      Status    `json:"status"`
	DoctorNote  *string   `json:"doctorNote,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Slots are the bookable times of a clinic day.
var Slots = []string{
	"09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
	"14:00", "14:30", "15:00", "15:30", "16:00", "16:30", "17:00",
}

func validSlot(slot string) bool {
	for _, s := range Slots {
		if s == slot {
			return true
		}
	}
	return false
}

// at returns day's calendar date at the given "HH:MM" slot in loc.
func at(day time.Time, slot string, loc *time.Location) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(slot, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("parse slot %q: %w", slot, err)
	}
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, hh, mm, 0, 0, loc), nil
}

// dayBounds returns the first and last instant of t's calendar day in loc.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1).Add(-time.Millisecond)
}

type BookInput struct {
	DoctorID string `json:"doctorId"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Concern  string `json:"concern"`
}

type ReviewInput struct {
	Note    string `json:"note"`
	Confirm bool   `json:"confirm"`
}
