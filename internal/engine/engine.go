package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/mailer"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

const (
	defaultLeaseTTL = 2 * time.Minute
	// maxCASAttempts bounds read-modify-write retries on version conflicts.
	maxCASAttempts = 5
)

// engineImpl is the step-tree automation engine. All durable state lives in
// the persistence stores; the struct itself only holds collaborators.
type engineImpl struct {
	configs   persistence.ConfigurationStore
	defs      persistence.DefinitionStore
	trackers  persistence.TrackerStore
	instances persistence.InstanceStore
	clicks    persistence.ClickStore
	leases    persistence.Leaser
	events    persistence.EventStore

	observer api.Observer
	clock    api.Clock
	logger   *slog.Logger

	records    api.RecordStore
	mail       api.MailTransport
	composer   api.MailComposer
	activities api.ActivityService
	actions    api.ActionRunner
	access     api.AccessChecker
	createOps  api.CreateOperations
	waker      api.WakeRegistrar
	refs       func(name string) (any, bool)

	leaseTTL time.Duration
	owner    string
}

var _ api.Engine = (*engineImpl)(nil)

// Config describes how to construct an engine. Zero values fall back to
// in-memory persistence, the system clock and no-op collaborators.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Clock       api.Clock
	Logger      *slog.Logger

	// Records is the host application's record storage. Required.
	Records    api.RecordStore
	Mail       api.MailTransport
	Composer   api.MailComposer
	Activities api.ActivityService
	Actions    api.ActionRunner
	Access     api.AccessChecker
	CreateOps  api.CreateOperations
	Waker      api.WakeRegistrar

	// Refs resolves named references used by predicates.
	Refs func(name string) (any, bool)

	// LeaseTTL bounds how long one engine may hold an instance while
	// running it.
	LeaseTTL time.Duration
	// Owner identifies this engine in leases. Defaults to a random id.
	Owner string
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	p := cfg.Persistence
	if p.Configurations == nil {
		p = persistence.NewInMemory()
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}

	e := &engineImpl{
		configs:    p.Configurations,
		defs:       p.Definitions,
		trackers:   p.Trackers,
		instances:  p.Instances,
		clicks:     p.Clicks,
		leases:     p.Leases,
		events:     p.Events,
		observer:   cfg.Observer,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		records:    cfg.Records,
		mail:       cfg.Mail,
		composer:   cfg.Composer,
		activities: cfg.Activities,
		actions:    cfg.Actions,
		access:     cfg.Access,
		createOps:  cfg.CreateOps,
		waker:      cfg.Waker,
		refs:       cfg.Refs,
		leaseTTL:   cfg.LeaseTTL,
		owner:      cfg.Owner,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.clock == nil {
		e.clock = api.SystemClock{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.composer == nil {
		e.composer = mailer.NewComposer(mailer.Options{})
	}
	if e.access == nil {
		e.access = api.AllowAll{}
	}
	if e.waker == nil {
		e.waker = api.NoopWaker{}
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = defaultLeaseTTL
	}
	if e.owner == "" {
		e.owner = "engine-" + uuid.NewString()
	}
	return e
}

// NewInMemoryEngine returns an Engine backed by in-memory stores.
func NewInMemoryEngine(cfg Config) api.Engine {
	cfg.Persistence = persistence.NewInMemory()
	return newEngine(cfg)
}

// NewSQLiteEngine returns an Engine whose state lives in the given SQLite
// database. History events go to the same database.
func NewSQLiteEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	cfg.Persistence.Events = events
	return newEngine(cfg), nil
}

// NewPostgresEngine returns an Engine whose state lives in PostgreSQL.
func NewPostgresEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	cfg.Persistence.Events = events
	return newEngine(cfg), nil
}

func (e *engineImpl) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *engineImpl) env(ctx context.Context) api.EvalEnv {
	return api.EvalEnv{
		Now:  e.now(),
		User: api.PrincipalFrom(ctx),
		Ref:  e.refs,
	}
}

// emit notifies the observer and appends a history event. History failures
// are logged and never fail the caller.
func (e *engineImpl) emit(ctx context.Context, inst *api.StepInstance, ev api.EventType, detail string) {
	e.observer.OnEvent(ctx, inst, ev)
	err := e.events.AppendEvent(ctx, api.StepEvent{
		InstanceID:      inst.ID,
		TrackerID:       inst.TrackerID,
		ConfigurationID: inst.ConfigurationID,
		At:              e.now(),
		Type:            ev,
		Detail:          detail,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "append_event_failed",
			slog.String("instance_id", inst.ID),
			slog.String("event", string(ev)),
			slog.Any("error", err),
		)
	}
}

// wake registers scheduled instances with the periodic runner. Failures are
// logged: due sweeps pick the instances up anyway.
func (e *engineImpl) wake(ctx context.Context, insts []*api.StepInstance) {
	for _, inst := range insts {
		if inst.ScheduledAt.IsZero() || inst.State != api.InstanceScheduled {
			continue
		}
		if err := e.waker.RegisterWake(ctx, inst.ID, inst.ScheduledAt); err != nil {
			e.logger.WarnContext(ctx, "register_wake_failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err),
			)
		}
	}
}

// mutate applies fn to a fresh copy of the instance and stores it,
// retrying on version conflicts. fn returns false to leave the instance
// untouched; mutate then returns the unchanged copy and false.
func (e *engineImpl) mutate(ctx context.Context, id string, fn func(inst *api.StepInstance) bool) (*api.StepInstance, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		inst, err := e.instances.GetInstance(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !fn(inst) {
			return inst, false, nil
		}
		err = e.instances.UpdateInstance(ctx, inst)
		if errors.Is(err, persistence.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return inst, true, nil
	}
	return nil, false, persistence.ErrVersionConflict
}

// withLease runs fn while holding the instance lease. It reports false
// without calling fn when the lease is held elsewhere, including by another
// call of this engine: every acquisition uses its own holder token.
func (e *engineImpl) withLease(ctx context.Context, instanceID string, fn func() error) (bool, error) {
	if e.leases == nil {
		return true, fn()
	}
	key := "instance:" + instanceID
	holder := e.owner + "/" + uuid.NewString()
	ok, err := e.leases.TryAcquireLease(ctx, key, holder, e.leaseTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := e.leases.ReleaseLease(context.WithoutCancel(ctx), key, holder); err != nil {
			e.logger.WarnContext(ctx, "release_lease_failed", slog.String("instance_id", instanceID), slog.Any("error", err))
		}
	}()
	return true, fn()
}
