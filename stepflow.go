package stepflow

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = api.Engine
	Configuration    = api.Configuration
	NamedFilter      = api.NamedFilter
	StepDefinition   = api.StepDefinition
	StepInstance     = api.StepInstance
	RecordTracker    = api.RecordTracker
	RecordRef        = api.RecordRef
	Record           = api.Record
	Interval         = api.Interval
	Expiry           = api.Expiry
	MailPayload      = api.MailPayload
	ActivityPayload  = api.ActivityPayload
	ActionPayload    = api.ActionPayload
	InstanceQuery    = api.InstanceQuery
	Counters         = api.Counters
	StepStats        = api.StepStats
	Principal        = api.Principal
	Observer         = api.Observer
	LoggingObserver  = api.LoggingObserver
	BasicMetrics     = api.BasicMetrics
	NoopObserver     = api.NoopObserver
	RecordStore      = api.RecordStore
	MailTransport    = api.MailTransport
	MailComposer     = api.MailComposer
	ActivityService  = api.ActivityService
	ActionRunner     = api.ActionRunner
	AccessChecker    = api.AccessChecker
	WakeRegistrar    = api.WakeRegistrar
	Clock            = api.Clock
	CreateOperations = api.CreateOperations
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithPrincipal        = api.WithPrincipal
)

// Re-export state values for convenience.

const (
	StateDraft    = api.StateDraft
	StatePeriodic = api.StatePeriodic
	StateOnDemand = api.StateOnDemand
	StateDone     = api.StateDone

	InstanceScheduled = api.InstanceScheduled
	InstanceDone      = api.InstanceDone
	InstanceExpired   = api.InstanceExpired
	InstanceRejected  = api.InstanceRejected
	InstanceError     = api.InstanceError
	InstanceCancel    = api.InstanceCancel
)

// Options configures an engine built by the constructors of this package.
// Only Records is required.
type Options struct {
	Observer   Observer
	Clock      Clock
	Logger     *slog.Logger
	Records    RecordStore
	Mail       MailTransport
	Composer   MailComposer
	Activities ActivityService
	Actions    ActionRunner
	Access     AccessChecker
	CreateOps  CreateOperations
	Waker      WakeRegistrar
	Refs       func(name string) (any, bool)
	LeaseTTL   time.Duration
	Owner      string

	// RedisLeases, when set, coordinates instance execution through Redis
	// instead of the store's lease table.
	RedisLeases *redis.Client

	// MongoHistory, when set, stores the step history in MongoDB.
	MongoHistory  *mongo.Client
	MongoDatabase string
}

func (o Options) config(p persistence.Persistence) engine.Config {
	if o.RedisLeases != nil {
		p.Leases = persistence.NewRedisLeaser(o.RedisLeases, "")
	}
	if o.MongoHistory != nil {
		p.Events = persistence.NewMongoEventStore(o.MongoHistory, o.MongoDatabase, "")
	}
	return engine.Config{
		Persistence: p,
		Observer:    o.Observer,
		Clock:       o.Clock,
		Logger:      o.Logger,
		Records:     o.Records,
		Mail:        o.Mail,
		Composer:    o.Composer,
		Activities:  o.Activities,
		Actions:     o.Actions,
		Access:      o.Access,
		CreateOps:   o.CreateOps,
		Waker:       o.Waker,
		Refs:        o.Refs,
		LeaseTTL:    o.LeaseTTL,
		Owner:       o.Owner,
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts Options) Engine {
	return engine.NewEngineWithConfig(opts.config(persistence.NewInMemory()))
}

// NewSQLiteEngine returns an Engine that persists its state in a SQLite
// database. History events go to the same database unless MongoHistory is
// set.
func NewSQLiteEngine(db *sql.DB, opts Options) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	p := persistence.FromStore(store)
	p.Events = events
	return engine.NewEngineWithConfig(opts.config(p)), nil
}

// NewPostgresEngine returns an Engine that persists its state in PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts Options) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	p := persistence.FromStore(store)
	p.Events = events
	return engine.NewEngineWithConfig(opts.config(p)), nil
}
