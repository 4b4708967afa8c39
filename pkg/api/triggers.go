package api

// TriggerType is the event category that schedules a step instance.
type TriggerType string

const (
	TriggerStart           TriggerType = "start"
	TriggerAfterStep       TriggerType = "after_step"
	TriggerMailOpen        TriggerType = "mail_open"
	TriggerMailNotOpen     TriggerType = "mail_not_open"
	TriggerMailReply       TriggerType = "mail_reply"
	TriggerMailNotReply    TriggerType = "mail_not_reply"
	TriggerMailClick       TriggerType = "mail_click"
	TriggerMailNotClicked  TriggerType = "mail_not_clicked"
	TriggerMailBounce      TriggerType = "mail_bounce"
	TriggerActivityDone    TriggerType = "activity_done"
	TriggerActivityNotDone TriggerType = "activity_not_done"
)

// TriggerRule holds the capability flags of a trigger type.
type TriggerRule struct {
	Name string

	// ParentTypes lists the step types a step with this trigger may attach
	// under. It is ignored when AnyParent is set.
	ParentTypes []StepType
	AnyParent   bool

	// AllowRoot marks triggers usable on root steps. Root-only triggers
	// have neither ParentTypes nor AnyParent.
	AllowRoot   bool
	AllowExpiry bool

	// TimeBased triggers are scheduled when the instance is created;
	// the others stay inert until an event activates them.
	TimeBased bool
}

var triggerOrder = []TriggerType{
	TriggerStart,
	TriggerAfterStep,
	TriggerMailOpen,
	TriggerMailNotOpen,
	TriggerMailReply,
	TriggerMailNotReply,
	TriggerMailClick,
	TriggerMailNotClicked,
	TriggerMailBounce,
	TriggerActivityDone,
	TriggerActivityNotDone,
}

var triggerTable = map[TriggerType]TriggerRule{
	TriggerStart: {
		Name:      "Start of the flow",
		AllowRoot: true,
		TimeBased: true,
	},
	TriggerAfterStep: {
		Name:      "Execution of the previous step",
		AnyParent: true,
		TimeBased: true,
	},
	TriggerMailOpen: {
		Name:        "Mail opened",
		ParentTypes: []StepType{StepMail},
		AllowExpiry: true,
	},
	TriggerMailNotOpen: {
		Name:        "Mail not opened",
		ParentTypes: []StepType{StepMail},
		TimeBased:   true,
	},
	TriggerMailReply: {
		Name:        "Mail replied",
		ParentTypes: []StepType{StepMail},
		AllowExpiry: true,
	},
	TriggerMailNotReply: {
		Name:        "Mail not replied",
		ParentTypes: []StepType{StepMail},
	},
	TriggerMailClick: {
		Name:        "Mail clicked",
		ParentTypes: []StepType{StepMail},
		AllowExpiry: true,
	},
	TriggerMailNotClicked: {
		Name:        "Mail not clicked",
		ParentTypes: []StepType{StepMail},
	},
	TriggerMailBounce: {
		Name:        "Mail bounced",
		ParentTypes: []StepType{StepMail},
		AllowExpiry: true,
	},
	TriggerActivityDone: {
		Name:        "Activity has been finished",
		ParentTypes: []StepType{StepActivity},
	},
	TriggerActivityNotDone: {
		Name:        "Activity has not been finished",
		ParentTypes: []StepType{StepActivity},
		AllowExpiry: true,
		TimeBased:   true,
	},
}

// LookupTrigger returns the rule of t.
func LookupTrigger(t TriggerType) (TriggerRule, bool) {
	s, ok := triggerTable[t]
	return s, ok
}

// Triggers returns all trigger types in display order.
func Triggers() []TriggerType {
	out := make([]TriggerType, len(triggerOrder))
	copy(out, triggerOrder)
	return out
}

// AcceptsParent reports whether a step with this trigger may be a child of
// a step of type parent.
func (s TriggerRule) AcceptsParent(parent StepType) bool {
	if s.AnyParent {
		return true
	}
	for _, t := range s.ParentTypes {
		if t == parent {
			return true
		}
	}
	return false
}

// Reactive trigger types woken by each external event.
var (
	OpenActivates     = []TriggerType{TriggerMailOpen, TriggerMailNotReply, TriggerMailNotClicked}
	ReplyActivates    = []TriggerType{TriggerMailReply}
	ClickActivates    = []TriggerType{TriggerMailClick}
	BounceActivates   = []TriggerType{TriggerMailBounce}
	ActivityActivates = []TriggerType{TriggerActivityDone}
)
