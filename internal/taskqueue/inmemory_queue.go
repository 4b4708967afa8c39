package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory, ordered by NotBefore and
// then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  taskHeap
	inflight map[string]leasedTask
	seq      int64
	notify   chan struct{}
}

type leasedTask struct {
	task      Task
	owner     string
	expiresAt time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		inflight: make(map[string]leasedTask),
		notify:   make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.push(prepare(t, time.Now()))
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *InMemoryQueue) push(t Task) {
	q.seq++
	heap.Push(&q.pending, queuedTask{task: t, seq: q.seq})
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		wait := pollInterval

		q.mu.Lock()
		for id, lt := range q.inflight {
			if !lt.expiresAt.After(now) {
				delete(q.inflight, id)
				q.push(lt.task)
			}
		}
		if len(q.pending) > 0 {
			next := q.pending[0].task
			if !next.NotBefore.After(now) {
				heap.Pop(&q.pending)
				q.inflight[next.ID] = leasedTask{task: next, owner: owner, expiresAt: now.Add(leaseTTL)}
				q.mu.Unlock()
				return &next, nil
			}
			if d := next.NotBefore.Sub(now); d < wait {
				wait = d
			}
		}
		q.mu.Unlock()

		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lt, ok := q.inflight[taskID]
	if !ok || lt.owner != owner {
		return ErrNotLeased
	}
	delete(q.inflight, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	lt, ok := q.inflight[taskID]
	if !ok || lt.owner != owner {
		q.mu.Unlock()
		return ErrNotLeased
	}
	delete(q.inflight, taskID)
	lt.task.NotBefore = notBefore
	lt.task.Attempts = attempts
	q.push(lt.task)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

type queuedTask struct {
	task Task
	seq  int64
}

// taskHeap implements heap.Interface ordered by NotBefore, then seq.
type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
