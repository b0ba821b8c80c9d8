package dashboard

import (
	"context"
	"time"

	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/domain/medication"
	"github.com/meditrack/meditrack/internal/domain/scheduling"
	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/internal/platform/livequery"
	"github.com/meditrack/meditrack/internal/platform/websocket"
	"github.com/meditrack/meditrack/pkg/apperr"
)

// Live view topics.
const (
	TopicAppointments  = "appointments"
	TopicPrescriptions = "prescriptions"
	TopicUsers         = "users"
	TopicDashboard     = "dashboard"
)

const msgNoProfile = "Please complete your profile first"

// AppointmentReader lists the appointments a viewer may see.
type AppointmentReader interface {
	List(ctx context.Context, viewer *identity.UserProfile, status scheduling.Status) ([]*scheduling.Appointment, error)
}

// PrescriptionReader lists the prescriptions a viewer may see.
type PrescriptionReader interface {
	List(ctx context.Context, viewer *identity.UserProfile, search string) ([]*medication.Prescription, error)
}

type UserReader interface {
	AllUsers(ctx context.Context) ([]*identity.UserProfile, error)
}

type Service struct {
	appts AppointmentReader
	rx    PrescriptionReader
	users UserReader
	bus   livequery.Listener
	loc   *time.Location
	now   func() time.Time
}

var _ websocket.ViewSource = (*Service)(nil)

// NewService wires the readers. loc is the clinic time zone used for the
// doctor's "today".
func NewService(appts AppointmentReader, rx PrescriptionReader, users UserReader, bus livequery.Listener, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{appts: appts, rx: rx, users: users, bus: bus, loc: loc, now: time.Now}
}

func (s *Service) allUsers(ctx context.Context) ([]*identity.UserProfile, error) {
	users, err := s.users.AllUsers(ctx)
	if err != nil {
		return nil, apperr.Internal("Failed to load users", err)
	}
	if users == nil {
		users = []*identity.UserProfile{}
	}
	return users, nil
}

// Summary returns the summary for viewer's role.
func (s *Service) Summary(ctx context.Context, viewer *identity.UserProfile) (interface{}, error) {
	if viewer == nil {
		return nil, apperr.Forbidden(msgNoProfile)
	}
	appts, err := s.appts.List(ctx, viewer, "")
	if err != nil {
		return nil, err
	}

	switch viewer.Role {
	case identity.RolePatient:
		rx, err := s.rx.List(ctx, viewer, "")
		if err != nil {
			return nil, err
		}
		return SummarizePatient(appts, rx, s.now()), nil
	case identity.RoleDoctor:
		return SummarizeDoctor(appts, s.now(), s.loc), nil
	case identity.RoleAdmin:
		users, err := s.allUsers(ctx)
		if err != nil {
			return nil, err
		}
		return SummarizeAdmin(users, appts), nil
	}
	return nil, apperr.Forbidden(msgNoProfile)
}

// OpenView starts a live view of topic for the profile on ctx. The view is
// refused up front when the role may not read the topic.
func (s *Service) OpenView(ctx context.Context, topic string, deliver func(websocket.View)) (func(), error) {
	viewer := identity.ProfileFromContext(ctx)
	if viewer == nil {
		return nil, apperr.Forbidden(msgNoProfile)
	}

	switch topic {
	case TopicAppointments:
		if _, err := scheduling.ScopeQuery(viewer, db.Query{}); err != nil {
			return nil, err
		}
		return watchList(ctx, s.bus, func(ctx context.Context) ([]*scheduling.Appointment, error) {
			return s.appts.List(ctx, viewer, "")
		}, deliver, livequery.Appointments), nil

	case TopicPrescriptions:
		if _, err := medication.ScopeQuery(viewer, db.Query{}); err != nil {
			return nil, err
		}
		return watchList(ctx, s.bus, func(ctx context.Context) ([]*medication.Prescription, error) {
			return s.rx.List(ctx, viewer, "")
		}, deliver, livequery.Prescriptions), nil

	case TopicUsers:
		if viewer.Role != identity.RoleAdmin {
			return nil, apperr.Forbidden("Only admins can view users")
		}
		return watchList(ctx, s.bus, s.allUsers, deliver, livequery.Users), nil

	case TopicDashboard:
		fetch := func(ctx context.Context) ([]interface{}, error) {
			sum, err := s.Summary(ctx, viewer)
			if err != nil {
				return nil, err
			}
			return []interface{}{sum}, nil
		}
		return livequery.Watch(ctx, s.bus, fetch, func(snap livequery.Snapshot[interface{}]) {
			v := websocket.View{Version: snap.Version, Err: snap.Err}
			if snap.Err == nil && len(snap.Items) == 1 {
				v.Data = snap.Items[0]
			}
			deliver(v)
		}, collectionsFor(viewer.Role)...), nil
	}
	return nil, apperr.Validation("Unknown topic " + topic)
}

// collectionsFor lists the collections a role's summary reads.
func collectionsFor(role identity.Role) []string {
	switch role {
	case identity.RolePatient:
		return []string{livequery.Appointments, livequery.Prescriptions}
	case identity.RoleAdmin:
		return []string{livequery.Appointments, livequery.Users}
	}
	return []string{livequery.Appointments}
}

func watchList[T any](ctx context.Context, l livequery.Listener, fetch livequery.FetchFunc[T], deliver func(websocket.View), collections ...string) func() {
	return livequery.Watch(ctx, l, fetch, func(snap livequery.Snapshot[T]) {
		v := websocket.View{Version: snap.Version, Err: snap.Err}
		if snap.Err == nil {
			items := snap.Items
			if items == nil {
				items = []T{}
			}
			v.Data = items
		}
		deliver(v)
	}, collections...)
}
