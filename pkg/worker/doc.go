// Package worker drives step instances forward in the background.
//
// It is the bridge between the engine and a periodic job runner. The engine
// asks to be woken up at an instance's scheduled time; a Bridge turns each
// request into a run-instance task on a task queue, and a Worker consumes
// those tasks and runs the instance once it is due.
//
// # Tasks
//
// A Worker handles four task types:
//
//	run-instance   run one instance if due, else re-enqueue it for later
//	run-due        run every due instance
//	expire-sweep   expire scheduled instances past their deadline
//	discover       run discovery for one or all periodic configurations
//
// Failing tasks are redelivered with linear backoff until MaxAttempts is
// reached. Action failures inside an instance are not task failures: the
// engine records them on the instance.
//
// # Scheduler
//
// Queues may lose wake-ups (a crash between the database commit and the
// enqueue, an expired Redis key). A Scheduler enqueues sweeps on cron specs
// so that anything missed is picked up by the next due sweep.
//
// Multiple workers can safely consume the same queue. The engine guards each
// instance with a lease and a version check, so a duplicate delivery never
// runs an instance twice.
package worker
