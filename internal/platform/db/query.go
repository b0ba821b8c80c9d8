package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var dialect = goqu.Dialect("postgres")

// ErrInvalidQuery is returned when a query names a field or operator the
// table does not expose.
var ErrInvalidQuery = errors.New("invalid query")

// Op is a filter comparison.
type Op string

const (
	OpEq       Op = "=="
	OpNeq      Op = "!="
	OpGt       Op = ">"
	OpGte      Op = ">="
	OpLt       Op = "<"
	OpLte      Op = "<="
	OpIn       Op = "in"
	OpContains Op = "contains" // case-insensitive substring
)

// Filter is a single field comparison. Field uses the document field name
// (e.g. "doctorId"), not the column name.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// Order sorts by a document field.
type Order struct {
	Field string
	Desc  bool
}

// Query is a set of ANDed filters with ordering and an optional window.
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int
	Offset  int
}

func (q Query) Where(field string, op Op, value interface{}) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Desc: desc})
	return q
}

func (q Query) Page(limit, offset int) Query {
	q.Limit, q.Offset = limit, offset
	return q
}

// Table describes a collection's backing table: the ordered column list used
// for scans and the document fields that may be filtered or sorted on.
type Table struct {
	Name    string
	Columns []string
	Fields  map[string]string // document field -> column
}

func (t Table) column(field string) (string, error) {
	col, ok := t.Fields[field]
	if !ok {
		return "", fmt.Errorf("%w: unknown field %q on %s", ErrInvalidQuery, field, t.Name)
	}
	return col, nil
}

func (t Table) where(q Query) ([]exp.Expression, error) {
	exprs := make([]exp.Expression, 0, len(q.Filters))
	for _, f := range q.Filters {
		col, err := t.column(f.Field)
		if err != nil {
			return nil, err
		}
		c := goqu.C(col)
		switch f.Op {
		case OpEq:
			exprs = append(exprs, c.Eq(f.Value))
		case OpNeq:
			exprs = append(exprs, c.Neq(f.Value))
		case OpGt:
			exprs = append(exprs, c.Gt(f.Value))
		case OpGte:
			exprs = append(exprs, c.Gte(f.Value))
		case OpLt:
			exprs = append(exprs, c.Lt(f.Value))
		case OpLte:
			exprs = append(exprs, c.Lte(f.Value))
		case OpIn:
			exprs = append(exprs, c.In(f.Value))
		case OpContains:
			s, ok := f.Value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: contains needs a string on %q", ErrInvalidQuery, f.Field)
			}
			exprs = append(exprs, c.ILike("%"+escapeLike(s)+"%"))
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
	}
	return exprs, nil
}

// SelectSQL renders q as a parameterized SELECT of t.Columns.
func (t Table) SelectSQL(q Query) (string, []interface{}, error) {
	exprs, err := t.where(q)
	if err != nil {
		return "", nil, err
	}
	cols := make([]interface{}, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = goqu.C(c)
	}
	ds := dialect.From(t.Name).Select(cols...).Where(exprs...)
	for _, o := range q.OrderBy {
		col, err := t.column(o.Field)
		if err != nil {
			return "", nil, err
		}
		if o.Desc {
			ds = ds.OrderAppend(goqu.C(col).Desc())
		} else {
			ds = ds.OrderAppend(goqu.C(col).Asc())
		}
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}
	return ds.Prepared(true).ToSQL()
}

// CountSQL renders the row count matching q's filters.
func (t Table) CountSQL(q Query) (string, []interface{}, error) {
	exprs, err := t.where(q)
	if err != nil {
		return "", nil, err
	}
	return dialect.From(t.Name).Select(goqu.COUNT(goqu.Star())).Where(exprs...).Prepared(true).ToSQL()
}

// InsertSQL renders an INSERT of rec.
func (t Table) InsertSQL(rec map[string]interface{}) (string, []interface{}, error) {
	return dialect.Insert(t.Name).Rows(goqu.Record(rec)).Prepared(true).ToSQL()
}

// UpdateSQL renders an UPDATE of the given columns on the row whose id matches.
func (t Table) UpdateSQL(id interface{}, set map[string]interface{}) (string, []interface{}, error) {
	if len(set) == 0 {
		return "", nil, fmt.Errorf("%w: empty update on %s", ErrInvalidQuery, t.Name)
	}
	return dialect.Update(t.Name).Set(goqu.Record(set)).Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
}

// DeleteSQL renders a DELETE of the row whose id matches.
func (t Table) DeleteSQL(id interface{}) (string, []interface{}, error) {
	return dialect.Delete(t.Name).Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
