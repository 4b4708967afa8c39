package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrConfigurationNotFound is returned when a configuration is not found.
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrFilterNotFound is returned when a named filter is not found.
	ErrFilterNotFound = errors.New("filter not found")

	// ErrDefinitionNotFound is returned when a step definition is not found.
	ErrDefinitionNotFound = errors.New("step definition not found")

	// ErrTrackerNotFound is returned when a record tracker is not found.
	ErrTrackerNotFound = errors.New("tracker not found")

	// ErrInstanceNotFound is returned when a step instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrVersionConflict is returned when an instance was modified since it
	// was read.
	ErrVersionConflict = errors.New("instance version conflict")

	// ErrTrackerExists is returned when a non-test tracker already exists for
	// the same configuration and target record.
	ErrTrackerExists = errors.New("tracker already exists")

	// ErrDuplicateClick is returned when a click with the same instance, link
	// and source was already stored.
	ErrDuplicateClick = errors.New("duplicate click")

	// ErrLeaseNotHeld is returned when renewing a lease owned by someone else.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// ConfigurationFilter selects configurations. Zero values mean "no filter".
type ConfigurationFilter struct {
	State      api.ConfigState
	ActiveOnly bool
}

// ConfigurationStore handles storage of configurations and named filters.
type ConfigurationStore interface {
	// SaveConfiguration inserts or replaces a configuration.
	SaveConfiguration(ctx context.Context, c api.Configuration) error
	GetConfiguration(ctx context.Context, id string) (api.Configuration, error)
	ListConfigurations(ctx context.Context, filter ConfigurationFilter) ([]api.Configuration, error)
	DeleteConfiguration(ctx context.Context, id string) error

	SaveFilter(ctx context.Context, f api.NamedFilter) error
	GetFilter(ctx context.Context, id string) (api.NamedFilter, error)
}

// DefinitionStore handles storage of step definitions.
type DefinitionStore interface {
	// SaveDefinition inserts or replaces a step definition.
	SaveDefinition(ctx context.Context, d api.StepDefinition) error
	GetDefinition(ctx context.Context, id string) (api.StepDefinition, error)
	// ListDefinitions returns a configuration's definitions ordered by
	// sequence, then id.
	ListDefinitions(ctx context.Context, configurationID string) ([]api.StepDefinition, error)
}

// TrackerFilter selects trackers. Zero values mean "no filter".
type TrackerFilter struct {
	ConfigurationID string
	IncludeTests    bool
	TestsOnly       bool
}

// TrackerStore handles storage of record trackers.
type TrackerStore interface {
	// CreateTracker atomically stores a tracker with its initial instances.
	// It returns ErrTrackerExists when a non-test tracker already exists for
	// the same configuration and target record.
	CreateTracker(ctx context.Context, tr api.RecordTracker, instances []*api.StepInstance) error
	GetTracker(ctx context.Context, id string) (api.RecordTracker, error)
	ListTrackers(ctx context.Context, filter TrackerFilter) ([]api.RecordTracker, error)
	// TrackedRecordIDs returns the target ids of a configuration's non-test
	// trackers, in ascending order.
	TrackedRecordIDs(ctx context.Context, configurationID, model string) ([]int64, error)
	// CountTrackers returns the number of trackers of a configuration.
	CountTrackers(ctx context.Context, configurationID string) (int, error)
}

// InstanceFilter selects step instances. Zero values mean "no filter".
type InstanceFilter struct {
	ConfigurationID string
	TrackerID       string
	DefinitionID    string
	ParentID        string
	MessageID       string
	ActivityID      string
	State           api.InstanceState
	Triggers        []api.TriggerType
	IncludeTests    bool
	// ProcessedSince keeps instances processed at or after the given time.
	ProcessedSince time.Time
}

// InstanceStore handles storage of step instances.
type InstanceStore interface {
	// SaveInstances inserts new instances.
	SaveInstances(ctx context.Context, instances []*api.StepInstance) error
	GetInstance(ctx context.Context, id string) (*api.StepInstance, error)
	// UpdateInstance stores inst if the stored version equals inst.Version
	// and increments inst.Version. It returns ErrVersionConflict otherwise.
	UpdateInstance(ctx context.Context, inst *api.StepInstance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StepInstance, error)
	// ListDue returns scheduled instances with scheduled_at <= now, oldest
	// first, at most limit (0 = no limit).
	ListDue(ctx context.Context, now time.Time, limit int) ([]*api.StepInstance, error)
	// ListExpired returns scheduled instances with expires_at <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*api.StepInstance, error)
}

// ClickStore handles storage of mail clicks.
type ClickStore interface {
	// AddClick stores c, or returns ErrDuplicateClick when a click with the
	// same instance, link code and source exists.
	AddClick(ctx context.Context, c api.Click) error
	// CountClicks counts the non-test clicks of a configuration.
	CountClicks(ctx context.Context, configurationID string) (int, error)
	// ClickCounts is CountClicks broken down by instance id.
	ClickCounts(ctx context.Context, configurationID string) (map[string]int, error)
}

// Leaser provides short-lived exclusive ownership of a key.
type Leaser interface {
	// TryAcquireLease attempts to acquire (or re-acquire) a lease on key.
	// If the key is currently leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Store is implemented by backends holding all engine state.
type Store interface {
	ConfigurationStore
	DefinitionStore
	TrackerStore
	InstanceStore
	ClickStore
	Leaser
}
