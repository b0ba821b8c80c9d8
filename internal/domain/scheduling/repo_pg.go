package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meditrack/meditrack/internal/platform/db"
)

var appointmentTable = db.Table{
	Name: "appointment",
	Columns: []string{
		"id", "patient_id", "patient_name", "doctor_id", "doctor_name",
		"date", "time", "concern", "status", "doctor_note", "created_at",
	},
	Fields: map[string]string{
		"id":        "id",
		"patientId": "patient_id",
		"doctorId":  "doctor_id",
		"date":      "date",
		"status":    "status",
		"createdAt": "created_at",
	},
}

type appointmentRepoPG struct {
	pool db.Querier
}

func NewAppointmentRepoPG(pool db.Querier) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	if err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.DoctorID, &a.DoctorName,
		&a.Date, &a.Time, &a.Concern, &status, &a.DoctorNote, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query, args, err := appointmentTable.InsertSQL(map[string]interface{}{
		"id":           a.ID,
		"patient_id":   a.PatientID,
		"patient_name": a.PatientName,
		"doctor_id":    a.DoctorID,
		"doctor_name":  a.DoctorName,
		"date":         a.Date,
		"time":         a.Time,
		"concern":      a.Concern,
		"status":       string(a.Status),
		"doctor_note":  a.DoctorNote,
		"created_at":   a.CreatedAt,
	})
	if err != nil {
		return err
	}
	if _, err := r.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query, args, err := appointmentTable.SelectSQL(db.Query{}.Where("id", db.OpEq, id))
	if err != nil {
		return nil, err
	}
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, note *string) error {
	set := map[string]interface{}{"status": string(status)}
	if note != nil {
		set["doctor_note"] = *note
	}
	query, args, err := appointmentTable.UpdateSQL(id, set)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) Query(ctx context.Context, q db.Query) ([]*Appointment, error) {
	query, args, err := appointmentTable.SelectSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Count(ctx context.Context, q db.Query) (int, error) {
	query, args, err := appointmentTable.CountSQL(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count appointments: %w", err)
	}
	return n, nil
}
