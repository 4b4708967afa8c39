package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SQLQueue is a persistent task queue backed by SQLite or PostgreSQL.
// Tasks are ordered by not_before, then by insertion.
//
// On PostgreSQL the claiming SELECT uses FOR UPDATE SKIP LOCKED so several
// workers can dequeue concurrently without blocking each other.
type SQLQueue struct {
	db           *sql.DB
	postgres     bool
	pollInterval time.Duration
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given SQLite database.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, false)
}

// NewPostgresQueue initializes the tasks table in the given PostgreSQL
// database.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, true)
}

func newSQLQueue(db *sql.DB, postgres bool) (*SQLQueue, error) {
	q := &SQLQueue{db: db, postgres: postgres, pollInterval: pollInterval}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if q.postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sf_tasks (
			seq ` + serial + `,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			configuration_id TEXT NOT NULL DEFAULT '',
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			leased_by TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_tasks_ready ON sf_tasks(not_before, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders for PostgreSQL. Queue queries carry no
// string literals containing '?'.
func (q *SQLQueue) bind(query string) string {
	if !q.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	_, err := q.db.ExecContext(ctx, q.bind(`
		INSERT INTO sf_tasks (id, type, instance_id, configuration_id, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID,
		string(t.Type),
		t.InstanceID,
		t.ConfigurationID,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errors.New("leaseTTL must be > 0")
	}

	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// Nothing available: sleep a bit and retry.
		if err := sleep(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// claim leases the oldest eligible task, or returns nil when none is ready.
func (q *SQLQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT seq, id, type, instance_id, configuration_id, enqueued_at, not_before, attempts
		FROM sf_tasks
		WHERE not_before <= ? AND (leased_by = '' OR lease_expires_at <= ?)
		ORDER BY not_before, seq
		LIMIT 1`
	if q.postgres {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var (
		seq                 int64
		t                   Task
		typ                 string
		enqueued, notBefore int64
	)
	err = tx.QueryRowContext(ctx, q.bind(query), now.UnixNano(), now.UnixNano()).
		Scan(&seq, &t.ID, &typ, &t.InstanceID, &t.ConfigurationID, &enqueued, &notBefore, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, q.bind(`
		UPDATE sf_tasks SET leased_by = ?, lease_expires_at = ? WHERE seq = ?`),
		owner, now.Add(leaseTTL).UnixNano(), seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = TaskType(typ)
	t.EnqueuedAt = time.Unix(0, enqueued)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

func (q *SQLQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, q.bind(`DELETE FROM sf_tasks WHERE id = ? AND leased_by = ?`), taskID, owner)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q *SQLQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, q.bind(`
		UPDATE sf_tasks SET leased_by = '', lease_expires_at = 0, not_before = ?, attempts = ?
		WHERE id = ? AND leased_by = ?`),
		notBefore.UnixNano(), attempts, taskID, owner)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM sf_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
