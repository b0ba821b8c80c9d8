package medication

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meditrack/meditrack/internal/platform/db"
)

var prescriptionTable = db.Table{
	Name: "prescription",
	Columns: []string{
		"id", "appointment_id", "patient_id", "patient_name", "doctor_id", "doctor_name",
		"medicines", "notes", "created_at", "updated_at",
	},
	Fields: map[string]string{
		"id":          "id",
		"patientId":   "patient_id",
		"patientName": "patient_name",
		"doctorId":    "doctor_id",
		"createdAt":   "created_at",
	},
}

type prescriptionRepoPG struct {
	pool db.Querier
}

func NewPrescriptionRepoPG(pool db.Querier) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var medicines []byte
	if err := row.Scan(&p.ID, &p.AppointmentID, &p.PatientID, &p.PatientName, &p.DoctorID, &p.DoctorName,
		&medicines, &p.Notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Medicines = []Medicine{}
	if len(medicines) > 0 {
		if err := json.Unmarshal(medicines, &p.Medicines); err != nil {
			return nil, fmt.Errorf("decode medicines: %w", err)
		}
	}
	return &p, nil
}

// record holds the columns shared by insert and replace.
func record(p *Prescription) (map[string]interface{}, error) {
	medicines, err := json.Marshal(p.Medicines)
	if err != nil {
		return nil, fmt.Errorf("encode medicines: %w", err)
	}
	return map[string]interface{}{
		"appointment_id": p.AppointmentID,
		"patient_id":     p.PatientID,
		"patient_name":   p.PatientName,
		"doctor_id":      p.DoctorID,
		"doctor_name":    p.DoctorName,
		"medicines":      medicines,
		"notes":          p.Notes,
		"updated_at":     p.UpdatedAt,
	}, nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	rec, err := record(p)
	if err != nil {
		return err
	}
	rec["id"] = p.ID
	rec["created_at"] = p.CreatedAt
	query, args, err := prescriptionTable.InsertSQL(rec)
	if err != nil {
		return err
	}
	if _, err := r.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	query, args, err := prescriptionTable.SelectSQL(db.Query{}.Where("id", db.OpEq, id))
	if err != nil {
		return nil, err
	}
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

func (r *prescriptionRepoPG) Replace(ctx context.Context, p *Prescription) error {
	rec, err := record(p)
	if err != nil {
		return err
	}
	query, args, err := prescriptionTable.UpdateSQL(p.ID, rec)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("replace prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *prescriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := prescriptionTable.DeleteSQL(id)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *prescriptionRepoPG) Query(ctx context.Context, q db.Query) ([]*Prescription, error) {
	query, args, err := prescriptionTable.SelectSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
