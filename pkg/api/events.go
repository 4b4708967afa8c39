package api

import "time"

// EventType identifies a step history event.
type EventType string

const (
	EventTrackerCreated EventType = "tracker.created"

	EventInstanceActivated EventType = "instance.activated"
	EventInstanceDone      EventType = "instance.done"
	EventInstanceRejected  EventType = "instance.rejected"
	EventInstanceFailed    EventType = "instance.failed"
	EventInstanceExpired   EventType = "instance.expired"
	EventInstanceCancelled EventType = "instance.cancelled"
	EventInstanceRetried   EventType = "instance.retried"

	EventMailOpened     EventType = "mail.opened"
	EventMailReplied    EventType = "mail.replied"
	EventMailClicked    EventType = "mail.clicked"
	EventMailBounced    EventType = "mail.bounced"
	EventActivityDone   EventType = "activity.done"
	EventTokenRejected  EventType = "tracking.token_rejected"
	EventClickDuplicate EventType = "mail.click_duplicate"
)

// StepEvent is a minimal append-only history record for audit/debugging.
type StepEvent struct {
	InstanceID      string
	TrackerID       string
	ConfigurationID string
	At              time.Time
	Type            EventType

	// Small, human-oriented details (e.g. link code, error string).
	Detail string
}

// FinishEvent maps a terminal state to its history event type.
func FinishEvent(s InstanceState) EventType {
	switch s {
	case InstanceDone:
		return EventInstanceDone
	case InstanceRejected:
		return EventInstanceRejected
	case InstanceError:
		return EventInstanceFailed
	case InstanceExpired:
		return EventInstanceExpired
	case InstanceCancel:
		return EventInstanceCancelled
	}
	return EventInstanceActivated
}
