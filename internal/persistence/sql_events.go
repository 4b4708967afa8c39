package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLEventStore stores step events in SQLite or PostgreSQL.
type SQLEventStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLEventStore implements the interfaces.
var _ EventStore = (*SQLEventStore)(nil)

// NewSQLiteEventStore creates the event table in a SQLite database.
func NewSQLiteEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, sqliteDialect, "INTEGER PRIMARY KEY AUTOINCREMENT")
}

// NewPostgresEventStore creates the event table in a PostgreSQL database.
func NewPostgresEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, postgresDialect, "BIGSERIAL PRIMARY KEY")
}

func newSQLEventStore(db *sql.DB, d dialect, serial string) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db, d: d}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sf_events (
			id ` + serial + `,
			tracker_id TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			configuration_id TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_events_tracker ON sf_events(tracker_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev api.StepEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.bind(`
		INSERT INTO sf_events (tracker_id, instance_id, configuration_id, at, type, detail)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ev.TrackerID,
		ev.InstanceID,
		ev.ConfigurationID,
		at.UnixNano(),
		string(ev.Type),
		ev.Detail,
	)
	return err
}

func (s *SQLEventStore) ListEvents(ctx context.Context, trackerID string) ([]api.StepEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.bind(`
		SELECT tracker_id, instance_id, configuration_id, at, type, detail
		FROM sf_events
		WHERE tracker_id = ?
		ORDER BY id ASC`), trackerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepEvent
	for rows.Next() {
		var (
			ev  api.StepEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.TrackerID, &ev.InstanceID, &ev.ConfigurationID, &atN, &typ, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN).UTC()
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
