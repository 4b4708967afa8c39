package api

import (
	"context"
)

// Engine is the step-tree automation engine API.
type Engine interface {
	// SaveFilter stores a reusable named predicate. The domain is compiled
	// and rejected with a configuration error when malformed.
	SaveFilter(ctx context.Context, f NamedFilter) (NamedFilter, error)

	// CreateConfiguration stores a new configuration in draft state.
	CreateConfiguration(ctx context.Context, c Configuration) (Configuration, error)

	// UpdateConfiguration replaces the editable fields of a configuration.
	// Model and state cannot be changed through this call.
	UpdateConfiguration(ctx context.Context, c Configuration) (Configuration, error)

	GetConfiguration(ctx context.Context, id string) (Configuration, error)
	ListConfigurations(ctx context.Context) ([]Configuration, error)

	// Start moves a draft configuration to periodic or ondemand according to
	// its activation mode.
	Start(ctx context.Context, id string) error
	// Stop moves a configuration to done unconditionally.
	Stop(ctx context.Context, id string) error
	// ResetToDraft moves a done configuration back to draft.
	ResetToDraft(ctx context.Context, id string) error
	// Archive deactivates a configuration without deleting it.
	Archive(ctx context.Context, id string) error
	// DeleteConfiguration removes a configuration that has no trackers.
	DeleteConfiguration(ctx context.Context, id string) error

	// RunOnce discovers newly matching records of a running configuration
	// and creates their trackers. It is a no-op for other states.
	RunOnce(ctx context.Context, id string) ([]RecordTracker, error)
	// CronTick runs discovery for every active periodic configuration.
	CronTick(ctx context.Context) error
	// DryRun creates a test tracker for one record.
	DryRun(ctx context.Context, configurationID string, recordID int64) (RecordTracker, error)

	AddStep(ctx context.Context, def StepDefinition) (StepDefinition, error)
	UpdateStep(ctx context.Context, def StepDefinition) (StepDefinition, error)
	Steps(ctx context.Context, configurationID string) ([]StepDefinition, error)

	// Run executes one instance and returns the children it created.
	// Running a non-scheduled instance is a no-op.
	Run(ctx context.Context, instanceID string) ([]*StepInstance, error)
	// RunDue runs every scheduled instance whose time has come.
	RunDue(ctx context.Context) (int, error)
	// ExpireDue expires every scheduled instance past its expiry time.
	ExpireDue(ctx context.Context) (int, error)
	// Cancel cancels the given instances that are still scheduled.
	Cancel(ctx context.Context, instanceIDs ...string) (int, error)
	// Retry reschedules the given instances that are in error state.
	Retry(ctx context.Context, instanceIDs ...string) (int, error)

	MailOpened(ctx context.Context, messageIDs ...string) error
	MailReplied(ctx context.Context, messageIDs ...string) error
	MailBounced(ctx context.Context, messageIDs ...string) error
	// InstanceOpened records an open reported by the tracking pixel.
	InstanceOpened(ctx context.Context, instanceID string) error
	// RecordClick stores a click; it returns nil, nil for a duplicate
	// (instance, link, source) triple.
	RecordClick(ctx context.Context, instanceID, linkCode, source string) (*Click, error)
	ActivityDone(ctx context.Context, activityID string) error

	GetInstance(ctx context.Context, id string) (*StepInstance, error)
	ListTrackers(ctx context.Context, configurationID string) ([]RecordTracker, error)
	ListInstances(ctx context.Context, q InstanceQuery) ([]*StepInstance, error)
	TrackerTree(ctx context.Context, trackerID string) ([]*InstanceNode, error)
	TrackerState(ctx context.Context, trackerID string) (TrackerState, error)

	Counters(ctx context.Context, configurationID string) (Counters, error)
	StepStats(ctx context.Context, definitionID string) (StepStats, error)
}
