package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/filter"
)

// SQLiteStore keeps records as JSON documents in a single SQLite table.
// Predicates that translate to SQL are evaluated by SQLite through
// json_extract; the others fall back to matching every record of the model.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ api.RecordStore    = (*SQLiteStore)(nil)
	_ api.FieldDescriber = (*SQLiteStore)(nil)
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewSQLiteStore initializes the records table in db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sf_records (
			model TEXT NOT NULL,
			id INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (model, id)
		)`)
	return err
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, model string, id int64, rec api.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sf_records (model, id, data) VALUES (?, ?, ?)
		ON CONFLICT(model, id) DO UPDATE SET data = excluded.data`,
		model, id, string(data))
	return err
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, model string, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sf_records WHERE model = ? AND id = ?`, model, id)
	return err
}

func column(field string) (string, bool) {
	if !fieldName.MatchString(field) {
		return "", false
	}
	return "json_extract(data, '$." + field + "')", true
}

func (s *SQLiteStore) Query(ctx context.Context, model string, criteria api.Criteria, env api.EvalEnv) ([]int64, error) {
	if p, ok := criteria.(*filter.Predicate); ok || criteria == nil {
		where, args, err := p.SQL(column)
		switch {
		case err == nil:
			return s.queryWhere(ctx, model, where, args)
		case !errors.Is(err, filter.ErrNotPushable):
			return nil, err
		}
	}
	return s.scan(ctx, model, criteria, env)
}

func (s *SQLiteStore) queryWhere(ctx context.Context, model, where string, args []any) ([]int64, error) {
	query := `SELECT id FROM sf_records WHERE model = ?`
	if where != "" {
		query += ` AND (` + where + `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, append([]any{model}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) scan(ctx context.Context, model string, criteria api.Criteria, env api.EvalEnv) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sf_records WHERE model = ? ORDER BY id`, model)
	if err != nil {
		return nil, err
	}
	type row struct {
		id  int64
		rec api.Record
	}
	var all []row
	for rows.Next() {
		var (
			r    row
			data string
		)
		if err := rows.Scan(&r.id, &data); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.rec); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var ids []int64
	for _, r := range all {
		ok, err := criteria.Match(r.rec, env)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, r.id)
		}
	}
	return ids, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, ref api.RecordRef) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sf_records WHERE model = ? AND id = ?`, ref.Model, ref.ID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) Read(ctx context.Context, ref api.RecordRef) (api.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sf_records WHERE model = ? AND id = ?`, ref.Model, ref.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec api.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) FieldValue(ctx context.Context, ref api.RecordRef, field string) (any, error) {
	rec, err := s.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	return rec[field], nil
}

func (s *SQLiteStore) HasField(ctx context.Context, model, field string) (bool, error) {
	if !fieldName.MatchString(field) {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sf_records WHERE model = ? AND json_type(data, '$.`+field+`') IS NOT NULL`,
		model).Scan(&n)
	return n > 0, err
}
