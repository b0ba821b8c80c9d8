package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/pkg/timestamp"
)

var profileTable = db.Table{
	Name:    "user_profile",
	Columns: []string{"id", "email", "first_name", "last_name", "phone", "role", "specialization", "created_at"},
	Fields: map[string]string{
		"id":        "id",
		"email":     "email",
		"firstName": "first_name",
		"lastName":  "last_name",
		"role":      "role",
		"createdAt": "created_at",
	},
}

type profileRepoPG struct {
	pool db.Querier
}

func NewProfileRepoPG(pool db.Querier) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanProfile(row pgx.Row) (*UserProfile, error) {
	var p UserProfile
	var role string
	var created pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Phone, &role, &p.Specialization, &created); err != nil {
		return nil, err
	}
	t, err := timestamp.Normalize(created)
	if err != nil {
		return nil, fmt.Errorf("profile %s created_at: %w", p.ID, err)
	}
	p.CreatedAt = t.UTC()
	p.Role = Role(role)
	return &p, nil
}

func (r *profileRepoPG) Create(ctx context.Context, p *UserProfile) error {
	query, args, err := profileTable.InsertSQL(map[string]interface{}{
		"id":             p.ID,
		"email":          p.Email,
		"first_name":     p.FirstName,
		"last_name":      p.LastName,
		"phone":          p.Phone,
		"role":           string(p.Role),
		"specialization": p.Specialization,
		"created_at":     p.CreatedAt,
	})
	if err != nil {
		return err
	}
	if _, err := r.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (r *profileRepoPG) GetByID(ctx context.Context, id string) (*UserProfile, error) {
	query, args, err := profileTable.SelectSQL(db.Query{}.Where("id", db.OpEq, id))
	if err != nil {
		return nil, err
	}
	p, err := scanProfile(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// Update writes the editable columns only. A nil Specialization leaves the
// stored value unchanged.
func (r *profileRepoPG) Update(ctx context.Context, id string, f ProfileFields) error {
	set := map[string]interface{}{
		"first_name": f.FirstName,
		"last_name":  f.LastName,
		"phone":      f.Phone,
	}
	if f.Specialization != nil {
		set["specialization"] = *f.Specialization
	}
	query, args, err := profileTable.UpdateSQL(id, set)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *profileRepoPG) Query(ctx context.Context, q db.Query) ([]*UserProfile, error) {
	query, args, err := profileTable.SelectSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var items []*UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *profileRepoPG) Count(ctx context.Context, q db.Query) (int, error) {
	query, args, err := profileTable.CountSQL(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}
