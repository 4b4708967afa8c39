package api

import (
	"time"
)

// ConfigState is the lifecycle state of a Configuration.
type ConfigState string

const (
	StateDraft    ConfigState = "draft"
	StatePeriodic ConfigState = "periodic"
	StateOnDemand ConfigState = "ondemand"
	StateDone     ConfigState = "done"
)

// Running reports whether discovery may run for a configuration in this state.
func (s ConfigState) Running() bool {
	return s == StatePeriodic || s == StateOnDemand
}

// ActivationMode selects how a started configuration discovers records.
type ActivationMode string

const (
	ModePeriodic ActivationMode = "periodic"
	ModeOnDemand ActivationMode = "ondemand"
)

// StepType is the kind of action a step performs.
type StepType string

const (
	StepMail     StepType = "mail"
	StepActivity StepType = "activity"
	StepAction   StepType = "action"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepMail, StepActivity, StepAction:
		return true
	}
	return false
}

// InstanceState is the state of a StepInstance.
type InstanceState string

const (
	InstanceScheduled InstanceState = "scheduled"
	InstanceDone      InstanceState = "done"
	InstanceExpired   InstanceState = "expired"
	InstanceRejected  InstanceState = "rejected"
	InstanceError     InstanceState = "error"
	InstanceCancel    InstanceState = "cancel"
)

// Terminal reports whether no further transitions are allowed from s.
func (s InstanceState) Terminal() bool {
	return s != InstanceScheduled
}

// Failed reports whether s counts as an unsuccessful outcome in statistics.
func (s InstanceState) Failed() bool {
	switch s {
	case InstanceExpired, InstanceRejected, InstanceError, InstanceCancel:
		return true
	}
	return false
}

// MailStatus tracks delivery feedback for mail steps.
type MailStatus string

const (
	MailNone   MailStatus = ""
	MailSent   MailStatus = "sent"
	MailOpen   MailStatus = "open"
	MailReply  MailStatus = "reply"
	MailBounce MailStatus = "bounce"
)

// IntervalUnit is the unit of an Interval.
type IntervalUnit string

const (
	UnitHours  IntervalUnit = "hours"
	UnitDays   IntervalUnit = "days"
	UnitWeeks  IntervalUnit = "weeks"
	UnitMonths IntervalUnit = "months"
)

// Interval is a calendar offset such as "3 days".
type Interval struct {
	Value int
	Unit  IntervalUnit
}

// After returns t shifted forward by the interval.
// Hours are absolute durations; days, weeks and months follow the calendar.
func (i Interval) After(t time.Time) time.Time {
	switch i.Unit {
	case UnitHours:
		return t.Add(time.Duration(i.Value) * time.Hour)
	case UnitWeeks:
		return t.AddDate(0, 0, 7*i.Value)
	case UnitMonths:
		return t.AddDate(0, i.Value, 0)
	default:
		return t.AddDate(0, 0, i.Value)
	}
}

// Expiry describes an optional window after which a scheduled step expires.
type Expiry struct {
	Enabled  bool
	Interval Interval
}

// Configuration is a top-level automation definition bound to one record
// model and one matching predicate.
type Configuration struct {
	ID   string
	Name string

	// Model is the target record type, e.g. "res.partner".
	Model string

	// FilterID references a NamedFilter. When set, its domain is used
	// instead of Domain.
	FilterID string
	Domain   string

	Mode  ActivationMode
	State ConfigState

	// UniqueField, when set, prevents tracking two records that share the
	// field's value.
	UniqueField string

	// CompanyID scopes discovery to records of one company.
	CompanyID string

	// Active is false once the configuration has been archived.
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NamedFilter is a reusable predicate over one model.
type NamedFilter struct {
	ID     string
	Name   string
	Model  string
	Domain string
}

// MailPayload is the template of a mail step.
type MailPayload struct {
	TemplateID string
	Author     string
	Subject    string
	Body       string
}

// AssigneeMode selects how an activity's assignee is resolved.
type AssigneeMode string

const (
	AssignSpecific AssigneeMode = "specific"
	AssignGeneric  AssigneeMode = "generic"
)

// ActivityPayload describes the activity created by an activity step.
type ActivityPayload struct {
	Type    string
	Summary string
	Note    string
	DueIn   Interval

	UserMode AssigneeMode
	// UserID is used with AssignSpecific.
	UserID string
	// UserField names the record field holding the assignee with AssignGeneric.
	UserField string
}

// ActionPayload references a custom action defined by the host.
type ActionPayload struct {
	ActionID string
}

// StepDefinition is a node of a configuration's step tree.
type StepDefinition struct {
	ID              string
	ConfigurationID string
	// ParentID is empty for root steps.
	ParentID string
	Name     string
	Sequence int

	StepType StepType
	Trigger  TriggerType
	Interval Interval
	Expiry   Expiry

	// Domain is ANDed with the ancestors' and the configuration's predicates.
	Domain string

	Mail     *MailPayload
	Activity *ActivityPayload
	Action   *ActionPayload
}

// RecordRef identifies a target record in the host application.
type RecordRef struct {
	Model string
	ID    int64
}

// Record holds the field values of a target record.
type Record map[string]any

// RecordTracker ties one target record to one configuration.
type RecordTracker struct {
	ID              string
	ConfigurationID string
	Target          RecordRef
	IsTest          bool
	CreatedAt       time.Time
}

// TrackerState summarizes a tracker's instances.
type TrackerState string

const (
	TrackerRunning TrackerState = "running"
	TrackerDone    TrackerState = "done"
)

// StepInstance is one concrete execution unit of a StepDefinition for one
// RecordTracker. Zero time values mean "unset".
type StepInstance struct {
	ID              string
	TrackerID       string
	ConfigurationID string
	DefinitionID    string
	ParentID        string

	StepType StepType
	Trigger  TriggerType
	Target   RecordRef
	IsTest   bool

	State       InstanceState
	ScheduledAt time.Time
	ExpiresAt   time.Time
	ProcessedAt time.Time
	ErrorDetail string

	MessageID  string
	MailStatus MailStatus
	// MailSent is true only when the transport was actually called.
	MailSent bool

	OpenedAt   time.Time
	RepliedAt  time.Time
	ClickedAt  time.Time
	BouncedAt  time.Time
	ActivityID string
	DoneAt     time.Time

	Version   int64
	CreatedAt time.Time
}

// Inert reports whether the instance waits for an external activation.
func (i *StepInstance) Inert() bool {
	return i.State == InstanceScheduled && i.ScheduledAt.IsZero()
}

// Due reports whether the instance should run at now.
func (i *StepInstance) Due(now time.Time) bool {
	return i.State == InstanceScheduled && !i.ScheduledAt.IsZero() && !i.ScheduledAt.After(now)
}

// Clone returns a copy of the instance.
func (i *StepInstance) Clone() *StepInstance {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// Click is a distinct link click attributed to a mail step instance.
type Click struct {
	ID              string
	InstanceID      string
	ConfigurationID string
	DefinitionID    string
	LinkCode        string
	Source          string
	IsTest          bool
	At              time.Time
}

// InstanceQuery selects step instances for listing.
// Empty fields mean "no filter".
type InstanceQuery struct {
	ConfigurationID string
	TrackerID       string
	DefinitionID    string
	State           InstanceState
	IncludeTests    bool
}

// InstanceNode is one node of a tracker's instance forest.
type InstanceNode struct {
	Instance *StepInstance
	Children []*InstanceNode
}

// Counters are the per-configuration figures exposed to the host.
type Counters struct {
	Records          int
	Tracked          int
	Done             int
	Running          int
	Tests            int
	MailActivities   int
	ActionActivities int
	Clicks           int
}

// DayBucket is one day of a step's outcome series.
type DayBucket struct {
	Day   time.Time
	Done  int
	Error int
}

// StepStats is the outcome series of one step definition.
type StepStats struct {
	DefinitionID string
	Days         []DayBucket
	Done         int
	Error        int
}
