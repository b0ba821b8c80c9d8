// Package dashboard computes the per-role summaries and live views over the
// appointment, prescription and user snapshots. Every summary is a pure
// function of its inputs.
package dashboard

import (
	"sort"
	"time"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/domain/medication"
	"github.com/meditrack/meditrack/internal/domain/scheduling"
)

const (
	patientRecent = 3
	doctorRecent  = 5
	adminRecent   = 5
)

type StatusCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Completed int `json:"completed"`
}

func CountByStatus(appts []*scheduling.Appointment) StatusCounts {
	c := StatusCounts{Total: len(appts)}
	for _, a := range appts {
		switch a.Status {
		case scheduling.StatusPending:
			c.Pending++
		case scheduling.StatusApproved:
			c.Approved++
		case scheduling.StatusRejected:
			c.Rejected++
		case scheduling.StatusCompleted:
			c.Completed++
		}
	}
	return c
}

type PatientSummary struct {
	Role                identity.Role              `json:"role"`
	Upcoming            int                        `json:"upcoming"`
	Pending             int                        `json:"pending"`
	Completed           int                        `json:"completed"`
	Total               int                        `json:"total"`
	RecentAppointments  []*scheduling.Appointment  `json:"recentAppointments"`
	RecentPrescriptions []*medication.Prescription `json:"recentPrescriptions"`
}

// SummarizePatient counts an approved appointment as upcoming while its
// start is not before now.
func SummarizePatient(appts []*scheduling.Appointment, rx []*medication.Prescription, now time.Time) PatientSummary {
	counts := CountByStatus(appts)
	s := PatientSummary{
		Role:                identity.RolePatient,
		Pending:             counts.Pending,
		Completed:           counts.Completed,
		Total:               counts.Total,
		RecentAppointments:  latestAppointments(appts, patientRecent),
		RecentPrescriptions: latestPrescriptions(rx, patientRecent),
	}
	for _, a := range appts {
		if a.Status == scheduling.StatusApproved && !a.Date.Before(now) {
			s.Upcoming++
		}
	}
	return s
}

type DoctorSummary struct {
	Role               identity.Role             `json:"role"`
	Pending            int                       `json:"pending"`
	Today              int                       `json:"today"`
	Completed          int                       `json:"completed"`
	Total              int                       `json:"total"`
	RecentAppointments []*scheduling.Appointment `json:"recentAppointments"`
}

// SummarizeDoctor counts approved appointments on now's calendar day in loc
// as today's.
func SummarizeDoctor(appts []*scheduling.Appointment, now time.Time, loc *time.Location) DoctorSummary {
	if loc == nil {
		loc = time.UTC
	}
	counts := CountByStatus(appts)
	s := DoctorSummary{
		Role:               identity.RoleDoctor,
		Pending:            counts.Pending,
		Completed:          counts.Completed,
		Total:              counts.Total,
		RecentAppointments: latestAppointments(appts, doctorRecent),
	}
	y, m, d := now.In(loc).Date()
	for _, a := range appts {
		if a.Status != scheduling.StatusApproved {
			continue
		}
		ay, am, ad := a.Date.In(loc).Date()
		if ay == y && am == m && ad == d {
			s.Today++
		}
	}
	return s
}

type UserCounts struct {
	Total    int `json:"total"`
	Patients int `json:"patients"`
	Doctors  int `json:"doctors"`
	Admins   int `json:"admins"`
}

type AdminSummary struct {
	Role               identity.Role             `json:"role"`
	Users              UserCounts                `json:"users"`
	Appointments       StatusCounts              `json:"appointments"`
	RecentUsers        []*identity.UserProfile   `json:"recentUsers"`
	RecentAppointments []*scheduling.Appointment `json:"recentAppointments"`
}

func SummarizeAdmin(users []*identity.UserProfile, appts []*scheduling.Appointment) AdminSummary {
	s := AdminSummary{
		Role:               identity.RoleAdmin,
		Users:              UserCounts{Total: len(users)},
		Appointments:       CountByStatus(appts),
		RecentUsers:        latestUsers(users, adminRecent),
		RecentAppointments: latestAppointments(appts, adminRecent),
	}
	for _, u := range users {
		switch u.Role {
		case identity.RolePatient:
			s.Users.Patients++
		case identity.RoleDoctor:
			s.Users.Doctors++
		case identity.RoleAdmin:
			s.Users.Admins++
		}
	}
	return s
}

// The latest* helpers sort a copy, newest first with the id as tie-break,
// so the result does not depend on the order of the snapshot.

func latestAppointments(appts []*scheduling.Appointment, n int) []*scheduling.Appointment {
	out := append([]*scheduling.Appointment(nil), appts...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return head(out, n)
}

func latestPrescriptions(rx []*medication.Prescription, n int) []*medication.Prescription {
	out := append([]*medication.Prescription(nil), rx...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return head(out, n)
}

func latestUsers(users []*identity.UserProfile, n int) []*identity.UserProfile {
	out := append([]*identity.UserProfile(nil), users...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return head(out, n)
}

func head[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[:n]
	}
	if items == nil {
		items = []T{}
	}
	return items
}
