package stepflow

import (
	"database/sql"

	"github.com/petrijr/stepflow/internal/taskqueue"
	workerpkg "github.com/petrijr/stepflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue. The engine registers its wake-ups on
// the same queue, so a step scheduled for later is run by whichever worker
// dequeues it first.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Configurations, trackers, instances and queued
// tasks are all persisted in the provided *sql.DB. Any Waker set in opts is
// replaced by the queue bridge.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_journal=WAL")
//	bundle, err := stepflow.NewSQLiteBundle(db, stepflow.Options{Records: recs}, worker.Config{MaxAttempts: 3})
//	// configure campaigns on bundle.Engine
//	// drive them with bundle.Worker.ProcessOne
func NewSQLiteBundle(db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	opts.Waker = workerpkg.NewBridge(q)
	eng, err := NewSQLiteEngine(db, opts)
	if err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = opts.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	w := workerpkg.NewWithConfig(eng, q, cfg)

	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		queue:  q,
	}, nil
}

// Pending returns the number of queued tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
