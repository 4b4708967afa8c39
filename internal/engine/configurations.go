package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/filter"
)

func (e *engineImpl) SaveFilter(ctx context.Context, f api.NamedFilter) (api.NamedFilter, error) {
	if strings.TrimSpace(f.Model) == "" {
		return api.NamedFilter{}, api.ConfigurationError("filter model is required", nil, map[string]any{"filter": f.Name})
	}
	if _, err := filter.Compile(f.Domain); err != nil {
		return api.NamedFilter{}, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if err := e.configs.SaveFilter(ctx, f); err != nil {
		return api.NamedFilter{}, err
	}
	return f, nil
}

func (e *engineImpl) CreateConfiguration(ctx context.Context, c api.Configuration) (api.Configuration, error) {
	if c.Mode == "" {
		c.Mode = api.ModePeriodic
	}
	if err := e.validateConfiguration(ctx, c); err != nil {
		return api.Configuration{}, err
	}
	now := e.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.State = api.StateDraft
	c.Active = true
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := e.configs.SaveConfiguration(ctx, c); err != nil {
		return api.Configuration{}, err
	}
	return c, nil
}

func (e *engineImpl) UpdateConfiguration(ctx context.Context, c api.Configuration) (api.Configuration, error) {
	cur, err := e.configs.GetConfiguration(ctx, c.ID)
	if err != nil {
		return api.Configuration{}, err
	}
	if c.Model != "" && c.Model != cur.Model {
		return api.Configuration{}, api.ConfigurationError("the target model cannot be changed", nil,
			map[string]any{"configuration_id": c.ID})
	}

	cur.Name = c.Name
	cur.FilterID = c.FilterID
	cur.Domain = c.Domain
	if c.Mode != "" {
		cur.Mode = c.Mode
	}
	cur.UniqueField = c.UniqueField
	cur.CompanyID = c.CompanyID
	if err := e.validateConfiguration(ctx, cur); err != nil {
		return api.Configuration{}, err
	}
	cur.UpdatedAt = e.now()
	if err := e.configs.SaveConfiguration(ctx, cur); err != nil {
		return api.Configuration{}, err
	}
	return cur, nil
}

func (e *engineImpl) validateConfiguration(ctx context.Context, c api.Configuration) error {
	if strings.TrimSpace(c.Model) == "" {
		return api.ConfigurationError("configuration model is required", nil, map[string]any{"configuration": c.Name})
	}
	if c.Mode != api.ModePeriodic && c.Mode != api.ModeOnDemand {
		return api.ConfigurationError("unknown activation mode", nil, map[string]any{"mode": c.Mode})
	}
	_, err := e.domainPredicate(ctx, c)
	return err
}

func (e *engineImpl) GetConfiguration(ctx context.Context, id string) (api.Configuration, error) {
	return e.configs.GetConfiguration(ctx, id)
}

func (e *engineImpl) ListConfigurations(ctx context.Context) ([]api.Configuration, error) {
	return e.configs.ListConfigurations(ctx, persistence.ConfigurationFilter{})
}

func (e *engineImpl) Start(ctx context.Context, id string) error {
	return e.transition(ctx, id, func(c *api.Configuration) error {
		if c.State != api.StateDraft {
			return api.InvalidStateError("only draft configurations can be started",
				map[string]any{"configuration_id": c.ID, "state": c.State})
		}
		if c.Mode == api.ModeOnDemand {
			c.State = api.StateOnDemand
		} else {
			c.State = api.StatePeriodic
		}
		return nil
	})
}

func (e *engineImpl) Stop(ctx context.Context, id string) error {
	return e.transition(ctx, id, func(c *api.Configuration) error {
		c.State = api.StateDone
		return nil
	})
}

func (e *engineImpl) ResetToDraft(ctx context.Context, id string) error {
	return e.transition(ctx, id, func(c *api.Configuration) error {
		if c.State != api.StateDone {
			return api.InvalidStateError("only done configurations can be reset to draft",
				map[string]any{"configuration_id": c.ID, "state": c.State})
		}
		c.State = api.StateDraft
		return nil
	})
}

func (e *engineImpl) Archive(ctx context.Context, id string) error {
	return e.transition(ctx, id, func(c *api.Configuration) error {
		c.Active = false
		return nil
	})
}

func (e *engineImpl) transition(ctx context.Context, id string, fn func(c *api.Configuration) error) error {
	c, err := e.configs.GetConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(&c); err != nil {
		return err
	}
	c.UpdatedAt = e.now()
	return e.configs.SaveConfiguration(ctx, c)
}

func (e *engineImpl) DeleteConfiguration(ctx context.Context, id string) error {
	n, err := e.trackers.CountTrackers(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return api.ConfigurationError("configuration has trackers and can only be archived", nil,
			map[string]any{"configuration_id": id, "trackers": n})
	}
	return e.configs.DeleteConfiguration(ctx, id)
}

// domainPredicate compiles the configuration's own predicate: the named
// filter's domain when one is referenced, else the inline domain.
func (e *engineImpl) domainPredicate(ctx context.Context, c api.Configuration) (*filter.Predicate, error) {
	src := c.Domain
	if c.FilterID != "" {
		f, err := e.configs.GetFilter(ctx, c.FilterID)
		if errors.Is(err, persistence.ErrFilterNotFound) {
			return nil, api.ConfigurationError("unknown filter", err, map[string]any{"filter_id": c.FilterID})
		}
		if err != nil {
			return nil, err
		}
		if f.Model != c.Model {
			return nil, api.ConfigurationError("filter model does not match the configuration model", nil,
				map[string]any{"filter_id": f.ID, "filter_model": f.Model, "model": c.Model})
		}
		src = f.Domain
	}
	return filter.Compile(src)
}

// configPredicate is the domain predicate narrowed to the configuration's
// company when the model carries a company_id field.
func (e *engineImpl) configPredicate(ctx context.Context, c api.Configuration) (*filter.Predicate, error) {
	p, err := e.domainPredicate(ctx, c)
	if err != nil {
		return nil, err
	}
	if c.CompanyID == "" {
		return p, nil
	}
	fd, ok := e.records.(api.FieldDescriber)
	if !ok {
		return p, nil
	}
	has, err := fd.HasField(ctx, c.Model, "company_id")
	if err != nil || !has {
		return p, err
	}
	scope, err := filter.Compile(fmt.Sprintf("company_id == %q", c.CompanyID))
	if err != nil {
		return nil, err
	}
	return filter.And(p, scope), nil
}

func running(c api.Configuration) bool {
	return c.Active && (c.State == api.StatePeriodic || c.State == api.StateOnDemand)
}

func (e *engineImpl) RunOnce(ctx context.Context, id string) ([]api.RecordTracker, error) {
	c, err := e.configs.GetConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	if !running(c) {
		return nil, nil
	}

	ids, err := e.discover(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	roots, err := e.rootDefinitions(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	var created []api.RecordTracker
	for _, recID := range ids {
		tr, err := e.createTracker(ctx, c, roots, recID, false)
		if errors.Is(err, persistence.ErrTrackerExists) {
			// A concurrent discovery got there first.
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, tr)
	}
	return created, nil
}

// discover returns the ids of matching records that have no non-test
// tracker yet, honoring the configuration's uniqueness field.
func (e *engineImpl) discover(ctx context.Context, c api.Configuration) ([]int64, error) {
	if e.records == nil {
		return nil, api.ConfigurationError("no record store configured", nil, nil)
	}
	pred, err := e.configPredicate(ctx, c)
	if err != nil {
		return nil, err
	}
	matched, err := e.records.Query(ctx, c.Model, pred, e.env(ctx))
	if err != nil {
		return nil, err
	}
	tracked, err := e.trackers.TrackedRecordIDs(ctx, c.ID, c.Model)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(tracked))
	for _, id := range tracked {
		seen[id] = struct{}{}
	}
	var fresh []int64
	for _, id := range matched {
		if _, ok := seen[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if c.UniqueField == "" || len(fresh) == 0 {
		return fresh, nil
	}
	return e.dedupeByField(ctx, c, tracked, fresh)
}

// dedupeByField drops candidates whose unique field value is already held
// by a tracked record, keeping the lowest id among candidates sharing a
// value. Empty values form one group of their own: they never clash with
// tracked records, but only the lowest candidate id among them is kept.
func (e *engineImpl) dedupeByField(ctx context.Context, c api.Configuration, tracked, candidates []int64) ([]int64, error) {
	taken := make(map[string]struct{})
	for _, id := range tracked {
		v, err := e.records.FieldValue(ctx, api.RecordRef{Model: c.Model, ID: id}, c.UniqueField)
		if errors.Is(err, api.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if key, ok := uniqueKey(v); ok {
			taken[key] = struct{}{}
		}
	}

	slices.Sort(candidates)
	out := make([]int64, 0, len(candidates))
	emptyKept := false
	for _, id := range candidates {
		v, err := e.records.FieldValue(ctx, api.RecordRef{Model: c.Model, ID: id}, c.UniqueField)
		if err != nil {
			return nil, err
		}
		key, ok := uniqueKey(v)
		switch {
		case !ok && emptyKept:
			continue
		case !ok:
			emptyKept = true
		default:
			if _, dup := taken[key]; dup {
				continue
			}
			taken[key] = struct{}{}
		}
		out = append(out, id)
	}
	return out, nil
}

// uniqueKey reports false for nil and empty values.
func uniqueKey(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", false
	}
	return s, true
}

func (e *engineImpl) rootDefinitions(ctx context.Context, configurationID string) ([]api.StepDefinition, error) {
	defs, err := e.defs.ListDefinitions(ctx, configurationID)
	if err != nil {
		return nil, err
	}
	roots := defs[:0]
	for _, d := range defs {
		if d.ParentID == "" {
			roots = append(roots, d)
		}
	}
	return roots, nil
}

// createTracker stores a tracker for one record together with one instance
// per root definition.
func (e *engineImpl) createTracker(ctx context.Context, c api.Configuration, roots []api.StepDefinition, recordID int64, test bool) (api.RecordTracker, error) {
	now := e.now()
	tr := api.RecordTracker{
		ID:              uuid.NewString(),
		ConfigurationID: c.ID,
		Target:          api.RecordRef{Model: c.Model, ID: recordID},
		IsTest:          test,
		CreatedAt:       now,
	}
	insts := make([]*api.StepInstance, 0, len(roots))
	for _, def := range roots {
		insts = append(insts, newInstance(tr, def, "", now))
	}
	if err := e.trackers.CreateTracker(ctx, tr, insts); err != nil {
		return api.RecordTracker{}, err
	}

	e.observer.OnTrackerCreated(ctx, tr)
	for _, inst := range insts {
		e.emit(ctx, inst, api.EventTrackerCreated, "")
	}
	e.wake(ctx, insts)
	return tr, nil
}

// newInstance creates a scheduled instance of def. Time-based triggers are
// scheduled right away; the others stay inert until an event activates them.
func newInstance(tr api.RecordTracker, def api.StepDefinition, parentID string, now time.Time) *api.StepInstance {
	inst := &api.StepInstance{
		ID:              uuid.NewString(),
		TrackerID:       tr.ID,
		ConfigurationID: tr.ConfigurationID,
		DefinitionID:    def.ID,
		ParentID:        parentID,
		StepType:        def.StepType,
		Trigger:         def.Trigger,
		Target:          tr.Target,
		IsTest:          tr.IsTest,
		State:           api.InstanceScheduled,
		CreatedAt:       now,
	}
	if rule, ok := api.LookupTrigger(def.Trigger); ok && rule.TimeBased {
		inst.ScheduledAt = def.Interval.After(now)
	}
	if def.Expiry.Enabled {
		inst.ExpiresAt = def.Expiry.Interval.After(now)
	}
	return inst
}

func (e *engineImpl) CronTick(ctx context.Context) error {
	configs, err := e.configs.ListConfigurations(ctx, persistence.ConfigurationFilter{
		State:      api.StatePeriodic,
		ActiveOnly: true,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range configs {
		created, err := e.RunOnce(ctx, c.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "discovery_failed",
				slog.String("configuration_id", c.ID),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("configuration %s: %w", c.ID, err))
			continue
		}
		if len(created) > 0 {
			e.logger.InfoContext(ctx, "discovery_done",
				slog.String("configuration_id", c.ID),
				slog.Int("trackers", len(created)),
			)
		}
	}
	return errors.Join(errs...)
}

func (e *engineImpl) DryRun(ctx context.Context, configurationID string, recordID int64) (api.RecordTracker, error) {
	c, err := e.configs.GetConfiguration(ctx, configurationID)
	if err != nil {
		return api.RecordTracker{}, err
	}
	ref := api.RecordRef{Model: c.Model, ID: recordID}
	if e.records == nil {
		return api.RecordTracker{}, api.ConfigurationError("no record store configured", nil, nil)
	}
	ok, err := e.records.Exists(ctx, ref)
	if err != nil {
		return api.RecordTracker{}, err
	}
	if !ok {
		return api.RecordTracker{}, fmt.Errorf("%w: %s/%d", api.ErrRecordNotFound, ref.Model, ref.ID)
	}
	if err := e.requireAccess(ctx, []api.RecordRef{ref}, api.OpCreate); err != nil {
		return api.RecordTracker{}, err
	}

	roots, err := e.rootDefinitions(ctx, c.ID)
	if err != nil {
		return api.RecordTracker{}, err
	}
	return e.createTracker(ctx, c, roots, recordID, true)
}
