package api

import (
	"context"
	"time"
)

// Criteria is a compiled record predicate. pkg/filter provides the
// implementation; record stores may type-assert for SQL pushdown.
type Criteria interface {
	Source() string
	Match(rec Record, env EvalEnv) (bool, error)
}

// EvalEnv is the context a predicate is evaluated in.
type EvalEnv struct {
	Now  time.Time
	User Principal
	// Ref resolves named references such as "base.main_company".
	Ref func(name string) (any, bool)
}

// RecordStore is the host application's record storage.
type RecordStore interface {
	// Query returns the ids of all records of model matching criteria,
	// in ascending order.
	Query(ctx context.Context, model string, criteria Criteria, env EvalEnv) ([]int64, error)
	Exists(ctx context.Context, ref RecordRef) (bool, error)
	// Read returns ErrRecordNotFound when the record does not exist.
	Read(ctx context.Context, ref RecordRef) (Record, error)
	FieldValue(ctx context.Context, ref RecordRef, field string) (any, error)
}

// FieldDescriber is optionally implemented by RecordStores that know their
// models' fields. Company scoping is only applied to models having the field.
type FieldDescriber interface {
	HasField(ctx context.Context, model, field string) (bool, error)
}

// OutgoingMail is a composed message handed to the MailTransport.
type OutgoingMail struct {
	InstanceID string
	TemplateID string
	Target     RecordRef
	Author     string
	Recipient  string
	Subject    string
	HTMLBody   string
	TextBody   string
}

// MailTransport sends messages and returns the transport's message id,
// later used to correlate open, reply and bounce callbacks.
type MailTransport interface {
	Send(ctx context.Context, msg OutgoingMail) (messageID string, err error)
}

// LinkTracker resolves tracked short links.
type LinkTracker interface {
	// ResolveRedirect returns ErrLinkNotFound for unknown codes.
	ResolveRedirect(ctx context.Context, code string) (string, error)
}

// ActivityRequest describes an activity to schedule on a target record.
type ActivityRequest struct {
	InstanceID string
	Target     RecordRef
	Type       string
	Summary    string
	Note       string
	// Due is zero when the step has no due range.
	Due      time.Time
	Assignee string
}

// ActivityService schedules tasks and reminders against target records.
type ActivityService interface {
	Schedule(ctx context.Context, req ActivityRequest) (activityID string, err error)
}

// ActionRunner invokes host-defined custom actions.
type ActionRunner interface {
	Run(ctx context.Context, actionID string, target RecordRef, rec Record) error
}

// WakeRegistrar registers "wake me at" requests with a periodic runner.
type WakeRegistrar interface {
	RegisterWake(ctx context.Context, instanceID string, at time.Time) error
}

// NoopWaker ignores wake registrations; due sweeps still find the instances.
type NoopWaker struct{}

func (NoopWaker) RegisterWake(ctx context.Context, instanceID string, at time.Time) error {
	return nil
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// MailComposer renders a mail step's template for one target record. The
// returned message is tagged with instanceID.
type MailComposer interface {
	Compose(ctx context.Context, instanceID string, target RecordRef, tmpl MailPayload, rec Record) (OutgoingMail, error)
}
