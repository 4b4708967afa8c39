// Package stepflow provides an embeddable marketing automation engine for Go.
//
// A campaign is a Configuration: a record model, a filter selecting which
// records take part, and a tree of StepDefinitions. Each step sends a mail,
// schedules an activity or runs a server action. Steps are attached to their
// parent by a trigger such as "3 days after the parent mail was opened" or
// "7 days after the activity, unless it was done".
//
// # Core Concepts
//
//  1. Engine
//  2. RecordTracker and StepInstance
//  3. Worker and Scheduler
//  4. LocalRunner and WorkerBundle
//
// # Engine
//
// The Engine stores configurations and step definitions, discovers matching
// records, and drives each record through the step tree. It exposes:
//   - configuration lifecycle (draft, periodic or on demand, done)
//   - discovery with RunOnce and CronTick, and DryRun for a test record
//   - instance execution with Run, RunDue and ExpireDue
//   - reactive handlers for mail opens, replies, bounces, clicks and
//     completed activities
//   - counters and the 14-day per-step statistics
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// Leases can be moved to Redis and step history to MongoDB through Options.
//
// # Trackers and instances
//
// Discovery creates one RecordTracker per matching record and one
// StepInstance per root step. Running an instance re-checks the step filter,
// performs the action and creates scheduled instances of the children. The
// children wait for their trigger: an elapsed delay, or a feedback event
// reported through the reactive handlers.
//
// # Worker
//
// A Worker pulls tasks from a queue: run one instance, run every due
// instance, expire stale instances, or discover records. The engine asks for
// wake-ups through a worker.Bridge, so each scheduled instance becomes a
// delayed task. The Scheduler enqueues the periodic sweeps with cron specs.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single,
// process-local helper useful for development and unit testing. It is not
// crash-durable. WorkerBundle is the SQLite-backed equivalent.
//
// For a runnable service, see cmd/stepflow.
package stepflow
