// Package api contains the core types shared by the stepflow engine, its
// storage backends and the host application.
//
// Most users interact with the higher-level stepflow package, which
// re-exports selected types from this package. The api package is intended
// for hosts that implement their own collaborators or storage.
//
// # Concepts
//
//   - Configuration: a campaign over one record model, with a filter and a
//     lifecycle state (draft, periodic, ondemand, done).
//   - StepDefinition: one node of the step tree. Its trigger decides when an
//     instance is scheduled relative to the parent instance.
//   - RecordTracker: one record taking part in a configuration.
//   - StepInstance: one execution of a step for one tracker.
//
// The trigger table (LookupTrigger, Triggers) lists, for every trigger,
// which parent step types it accepts, whether it may be a root, whether it
// supports expiry and whether it is time based.
//
// # Collaborators
//
// The engine never touches host data directly. It goes through RecordStore,
// MailTransport, MailComposer, ActivityService, ActionRunner and
// AccessChecker, and asks a WakeRegistrar to be woken when an instance is
// due.
//
// # Errors
//
// Errors returned by the engine carry a text code from go-errors. Use
// IsConfigurationError, IsInvalidState, IsActionExecutionError,
// IsSecurityError and IsTokenValidationError to classify them.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes them with
// log/slog, BasicMetrics keeps in-process counters, and
// NewCompositeObserver fans out to several observers.
package api
