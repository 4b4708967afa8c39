package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	blob string
	// bind rewrites ? placeholders into the backend's syntax.
	bind func(query string) string
}

// SQLStore is a Store backed by a database/sql connection. Use
// NewSQLiteStore or NewPostgresStore to construct one.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sf_filters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			domain TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sf_configurations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			filter_id TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			unique_field TEXT NOT NULL DEFAULT '',
			company_id TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL,
			created_at BIGINT,
			updated_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS sf_definitions (
			id TEXT PRIMARY KEY,
			configuration_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			interval_value INTEGER NOT NULL,
			interval_unit TEXT NOT NULL,
			expiry_enabled BOOLEAN NOT NULL,
			expiry_value INTEGER NOT NULL,
			expiry_unit TEXT NOT NULL,
			domain TEXT NOT NULL,
			payload ` + s.d.blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_definitions_configuration ON sf_definitions(configuration_id)`,
		`CREATE TABLE IF NOT EXISTS sf_trackers (
			id TEXT PRIMARY KEY,
			configuration_id TEXT NOT NULL,
			model TEXT NOT NULL,
			res_id BIGINT NOT NULL,
			is_test BOOLEAN NOT NULL,
			created_at BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_sf_trackers_target
			ON sf_trackers(configuration_id, model, res_id) WHERE NOT is_test`,
		`CREATE TABLE IF NOT EXISTS sf_instances (
			id TEXT PRIMARY KEY,
			tracker_id TEXT NOT NULL,
			configuration_id TEXT NOT NULL,
			definition_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step_type TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			model TEXT NOT NULL,
			res_id BIGINT NOT NULL,
			is_test BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			scheduled_at BIGINT,
			expires_at BIGINT,
			processed_at BIGINT,
			error_detail TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			mail_status TEXT NOT NULL DEFAULT '',
			mail_sent BOOLEAN NOT NULL,
			opened_at BIGINT,
			replied_at BIGINT,
			clicked_at BIGINT,
			bounced_at BIGINT,
			activity_id TEXT NOT NULL DEFAULT '',
			done_at BIGINT,
			version BIGINT NOT NULL,
			created_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_instances_tracker ON sf_instances(tracker_id)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_instances_parent ON sf_instances(parent_id)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_instances_due ON sf_instances(state, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_instances_message ON sf_instances(message_id)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_instances_activity ON sf_instances(activity_id)`,
		`CREATE INDEX IF NOT EXISTS ix_sf_instances_definition ON sf_instances(definition_id, processed_at)`,
		`CREATE TABLE IF NOT EXISTS sf_clicks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			configuration_id TEXT NOT NULL,
			definition_id TEXT NOT NULL,
			link_code TEXT NOT NULL,
			source TEXT NOT NULL,
			is_test BOOLEAN NOT NULL,
			at BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_sf_clicks ON sf_clicks(instance_id, link_code, source)`,
		`CREATE TABLE IF NOT EXISTS sf_leases (
			lease_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string { return s.d.bind(query) }

// Configurations

func (s *SQLStore) SaveConfiguration(ctx context.Context, c api.Configuration) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sf_configurations (id, name, model, filter_id, domain, mode, state, unique_field, company_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			filter_id = excluded.filter_id,
			domain = excluded.domain,
			mode = excluded.mode,
			state = excluded.state,
			unique_field = excluded.unique_field,
			company_id = excluded.company_id,
			active = excluded.active,
			updated_at = excluded.updated_at`),
		c.ID, c.Name, c.Model, c.FilterID, c.Domain, string(c.Mode), string(c.State),
		c.UniqueField, c.CompanyID, c.Active, timeArg(c.CreatedAt), timeArg(c.UpdatedAt),
	)
	return err
}

const configurationColumns = `id, name, model, filter_id, domain, mode, state, unique_field, company_id, active, created_at, updated_at`

func scanConfiguration(sc scanner) (api.Configuration, error) {
	var (
		c                  api.Configuration
		mode, state        string
		created, updated   sql.NullInt64
	)
	if err := sc.Scan(&c.ID, &c.Name, &c.Model, &c.FilterID, &c.Domain, &mode, &state,
		&c.UniqueField, &c.CompanyID, &c.Active, &created, &updated); err != nil {
		return api.Configuration{}, err
	}
	c.Mode = api.ActivationMode(mode)
	c.State = api.ConfigState(state)
	c.CreatedAt = fromNull(created)
	c.UpdatedAt = fromNull(updated)
	return c, nil
}

func (s *SQLStore) GetConfiguration(ctx context.Context, id string) (api.Configuration, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+configurationColumns+` FROM sf_configurations WHERE id = ?`), id)
	c, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Configuration{}, ErrConfigurationNotFound
	}
	return c, err
}

func (s *SQLStore) ListConfigurations(ctx context.Context, filter ConfigurationFilter) ([]api.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM sf_configurations`
	var (
		clauses []string
		args    []any
	)
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "active")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteConfiguration(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM sf_definitions WHERE configuration_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sf_configurations WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConfigurationNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) SaveFilter(ctx context.Context, f api.NamedFilter) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sf_filters (id, name, model, domain) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, model = excluded.model, domain = excluded.domain`),
		f.ID, f.Name, f.Model, f.Domain,
	)
	return err
}

func (s *SQLStore) GetFilter(ctx context.Context, id string) (api.NamedFilter, error) {
	var f api.NamedFilter
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, model, domain FROM sf_filters WHERE id = ?`), id).
		Scan(&f.ID, &f.Name, &f.Model, &f.Domain)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NamedFilter{}, ErrFilterNotFound
	}
	return f, err
}

// Definitions

func (s *SQLStore) SaveDefinition(ctx context.Context, d api.StepDefinition) error {
	payload, err := encodeDefinitionPayload(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sf_definitions (id, configuration_id, parent_id, name, sequence, step_type, trigger_type,
			interval_value, interval_unit, expiry_enabled, expiry_value, expiry_unit, domain, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			sequence = excluded.sequence,
			step_type = excluded.step_type,
			trigger_type = excluded.trigger_type,
			interval_value = excluded.interval_value,
			interval_unit = excluded.interval_unit,
			expiry_enabled = excluded.expiry_enabled,
			expiry_value = excluded.expiry_value,
			expiry_unit = excluded.expiry_unit,
			domain = excluded.domain,
			payload = excluded.payload`),
		d.ID, d.ConfigurationID, d.ParentID, d.Name, d.Sequence, string(d.StepType), string(d.Trigger),
		d.Interval.Value, string(d.Interval.Unit), d.Expiry.Enabled, d.Expiry.Interval.Value,
		string(d.Expiry.Interval.Unit), d.Domain, payload,
	)
	return err
}

const definitionColumns = `id, configuration_id, parent_id, name, sequence, step_type, trigger_type,
	interval_value, interval_unit, expiry_enabled, expiry_value, expiry_unit, domain, payload`

func scanDefinition(sc scanner) (api.StepDefinition, error) {
	var (
		d                                   api.StepDefinition
		stepType, trigger, unit, expiryUnit string
		payload                             []byte
	)
	if err := sc.Scan(&d.ID, &d.ConfigurationID, &d.ParentID, &d.Name, &d.Sequence, &stepType, &trigger,
		&d.Interval.Value, &unit, &d.Expiry.Enabled, &d.Expiry.Interval.Value, &expiryUnit, &d.Domain, &payload); err != nil {
		return api.StepDefinition{}, err
	}
	d.StepType = api.StepType(stepType)
	d.Trigger = api.TriggerType(trigger)
	d.Interval.Unit = api.IntervalUnit(unit)
	d.Expiry.Interval.Unit = api.IntervalUnit(expiryUnit)
	if err := decodeDefinitionPayload(payload, &d); err != nil {
		return api.StepDefinition{}, err
	}
	return d, nil
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string) (api.StepDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+definitionColumns+` FROM sf_definitions WHERE id = ?`), id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.StepDefinition{}, ErrDefinitionNotFound
	}
	return d, err
}

func (s *SQLStore) ListDefinitions(ctx context.Context, configurationID string) ([]api.StepDefinition, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+definitionColumns+`
		FROM sf_definitions WHERE configuration_id = ? ORDER BY sequence, id`), configurationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Trackers

func (s *SQLStore) CreateTracker(ctx context.Context, tr api.RecordTracker, instances []*api.StepInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO sf_trackers (id, configuration_id, model, res_id, is_test, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		tr.ID, tr.ConfigurationID, tr.Target.Model, tr.Target.ID, tr.IsTest, timeArg(tr.CreatedAt),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrTrackerExists
	}

	if err := s.insertInstances(ctx, tx, instances); err != nil {
		return err
	}
	return tx.Commit()
}

const trackerColumns = `id, configuration_id, model, res_id, is_test, created_at`

func scanTracker(sc scanner) (api.RecordTracker, error) {
	var (
		tr      api.RecordTracker
		created sql.NullInt64
	)
	if err := sc.Scan(&tr.ID, &tr.ConfigurationID, &tr.Target.Model, &tr.Target.ID, &tr.IsTest, &created); err != nil {
		return api.RecordTracker{}, err
	}
	tr.CreatedAt = fromNull(created)
	return tr, nil
}

func (s *SQLStore) GetTracker(ctx context.Context, id string) (api.RecordTracker, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+trackerColumns+` FROM sf_trackers WHERE id = ?`), id)
	tr, err := scanTracker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.RecordTracker{}, ErrTrackerNotFound
	}
	return tr, err
}

func (s *SQLStore) ListTrackers(ctx context.Context, filter TrackerFilter) ([]api.RecordTracker, error) {
	query := `SELECT ` + trackerColumns + ` FROM sf_trackers`
	var (
		clauses []string
		args    []any
	)
	if filter.ConfigurationID != "" {
		clauses = append(clauses, "configuration_id = ?")
		args = append(args, filter.ConfigurationID)
	}
	switch {
	case filter.TestsOnly:
		clauses = append(clauses, "is_test")
	case !filter.IncludeTests:
		clauses = append(clauses, "NOT is_test")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.RecordTracker
	for rows.Next() {
		tr, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLStore) TrackedRecordIDs(ctx context.Context, configurationID, model string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT res_id FROM sf_trackers
		WHERE configuration_id = ? AND model = ? AND NOT is_test
		ORDER BY res_id`), configurationID, model)
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

func (s *SQLStore) CountTrackers(ctx context.Context, configurationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sf_trackers WHERE configuration_id = ?`), configurationID).Scan(&n)
	return n, err
}

// Instances

var instanceColumnList = []string{
	"id", "tracker_id", "configuration_id", "definition_id", "parent_id", "step_type", "trigger_type",
	"model", "res_id", "is_test", "state", "scheduled_at", "expires_at", "processed_at", "error_detail",
	"message_id", "mail_status", "mail_sent", "opened_at", "replied_at", "clicked_at", "bounced_at",
	"activity_id", "done_at", "version", "created_at",
}

var instanceColumns = strings.Join(instanceColumnList, ", ")

func instanceArgs(inst *api.StepInstance) []any {
	return []any{
		inst.ID, inst.TrackerID, inst.ConfigurationID, inst.DefinitionID, inst.ParentID,
		string(inst.StepType), string(inst.Trigger), inst.Target.Model, inst.Target.ID, inst.IsTest,
		string(inst.State), timeArg(inst.ScheduledAt), timeArg(inst.ExpiresAt), timeArg(inst.ProcessedAt),
		inst.ErrorDetail, inst.MessageID, string(inst.MailStatus), inst.MailSent,
		timeArg(inst.OpenedAt), timeArg(inst.RepliedAt), timeArg(inst.ClickedAt), timeArg(inst.BouncedAt),
		inst.ActivityID, timeArg(inst.DoneAt), inst.Version, timeArg(inst.CreatedAt),
	}
}

func scanInstance(sc scanner) (*api.StepInstance, error) {
	var (
		inst                                       api.StepInstance
		stepType, trigger, state, mailStatus       string
		scheduled, expires, processed              sql.NullInt64
		opened, replied, clicked, bounced, doneAt  sql.NullInt64
		created                                    sql.NullInt64
	)
	if err := sc.Scan(&inst.ID, &inst.TrackerID, &inst.ConfigurationID, &inst.DefinitionID, &inst.ParentID,
		&stepType, &trigger, &inst.Target.Model, &inst.Target.ID, &inst.IsTest,
		&state, &scheduled, &expires, &processed, &inst.ErrorDetail,
		&inst.MessageID, &mailStatus, &inst.MailSent, &opened, &replied, &clicked, &bounced,
		&inst.ActivityID, &doneAt, &inst.Version, &created); err != nil {
		return nil, err
	}
	inst.StepType = api.StepType(stepType)
	inst.Trigger = api.TriggerType(trigger)
	inst.State = api.InstanceState(state)
	inst.MailStatus = api.MailStatus(mailStatus)
	inst.ScheduledAt = fromNull(scheduled)
	inst.ExpiresAt = fromNull(expires)
	inst.ProcessedAt = fromNull(processed)
	inst.OpenedAt = fromNull(opened)
	inst.RepliedAt = fromNull(replied)
	inst.ClickedAt = fromNull(clicked)
	inst.BouncedAt = fromNull(bounced)
	inst.DoneAt = fromNull(doneAt)
	inst.CreatedAt = fromNull(created)
	return &inst, nil
}

func (s *SQLStore) insertInstances(ctx context.Context, tx *sql.Tx, instances []*api.StepInstance) error {
	if len(instances) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO sf_instances (`+instanceColumns+`) VALUES (`+
		placeholders(len(instanceColumnList))+`)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, inst := range instances {
		if _, err := stmt.ExecContext(ctx, instanceArgs(inst)...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) SaveInstances(ctx context.Context, instances []*api.StepInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertInstances(ctx, tx, instances); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.StepInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM sf_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.StepInstance) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sf_instances SET
			state = ?, scheduled_at = ?, expires_at = ?, processed_at = ?, error_detail = ?,
			message_id = ?, mail_status = ?, mail_sent = ?,
			opened_at = ?, replied_at = ?, clicked_at = ?, bounced_at = ?,
			activity_id = ?, done_at = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		string(inst.State), timeArg(inst.ScheduledAt), timeArg(inst.ExpiresAt), timeArg(inst.ProcessedAt), inst.ErrorDetail,
		inst.MessageID, string(inst.MailStatus), inst.MailSent,
		timeArg(inst.OpenedAt), timeArg(inst.RepliedAt), timeArg(inst.ClickedAt), timeArg(inst.BouncedAt),
		inst.ActivityID, timeArg(inst.DoneAt),
		inst.ID, inst.Version,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	inst.Version++
	return nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StepInstance, error) {
	var (
		clauses []string
		args    []any
	)
	eq := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+" = ?")
			args = append(args, v)
		}
	}
	eq("configuration_id", filter.ConfigurationID)
	eq("tracker_id", filter.TrackerID)
	eq("definition_id", filter.DefinitionID)
	eq("parent_id", filter.ParentID)
	eq("message_id", filter.MessageID)
	eq("activity_id", filter.ActivityID)
	eq("state", string(filter.State))
	if !filter.IncludeTests {
		clauses = append(clauses, "NOT is_test")
	}
	if !filter.ProcessedSince.IsZero() {
		clauses = append(clauses, "processed_at >= ?")
		args = append(args, filter.ProcessedSince.UnixNano())
	}
	if len(filter.Triggers) > 0 {
		clauses = append(clauses, "trigger_type IN ("+placeholders(len(filter.Triggers))+")")
		for _, t := range filter.Triggers {
			args = append(args, string(t))
		}
	}

	query := `SELECT ` + instanceColumns + ` FROM sf_instances`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	return s.queryInstances(ctx, query, args...)
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*api.StepInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM sf_instances
		WHERE state = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at, id` + limitClause(limit)
	return s.queryInstances(ctx, query, string(api.InstanceScheduled), now.UnixNano())
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*api.StepInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM sf_instances
		WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at, id` + limitClause(limit)
	return s.queryInstances(ctx, query, string(api.InstanceScheduled), now.UnixNano())
}

func (s *SQLStore) queryInstances(ctx context.Context, query string, args ...any) ([]*api.StepInstance, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.StepInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Clicks

func (s *SQLStore) AddClick(ctx context.Context, c api.Click) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sf_clicks (id, instance_id, configuration_id, definition_id, link_code, source, is_test, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		c.ID, c.InstanceID, c.ConfigurationID, c.DefinitionID, c.LinkCode, c.Source, c.IsTest, timeArg(c.At),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicateClick
	}
	return nil
}

func (s *SQLStore) CountClicks(ctx context.Context, configurationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sf_clicks WHERE configuration_id = ? AND NOT is_test`),
		configurationID).Scan(&n)
	return n, err
}

func (s *SQLStore) ClickCounts(ctx context.Context, configurationID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT instance_id, COUNT(*) FROM sf_clicks
		WHERE configuration_id = ? AND NOT is_test
		GROUP BY instance_id`), configurationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Leases

func (s *SQLStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sf_leases (lease_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sf_leases.owner = excluded.owner OR sf_leases.expires_at <= ?`),
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sf_leases SET expires_at = ? WHERE lease_key = ? AND owner = ?`),
		time.Now().Add(ttl).UnixNano(), key, owner)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sf_leases WHERE lease_key = ? AND owner = ?`), key, owner)
	return err
}

// helpers

type scanner interface {
	Scan(dest ...any) error
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNull(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

// rebindDollar rewrites ? placeholders outside string literals to $1..$n.
func rebindDollar(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 16)
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
