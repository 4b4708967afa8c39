package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testQueueContract exercises behaviour every Queue backend must share.
// newQueue must return an empty queue for each call.
func testQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("fifo", func(t *testing.T) { testQueueFIFO(t, newQueue(t)) })
	t.Run("not before", func(t *testing.T) { testQueueNotBefore(t, newQueue(t)) })
	t.Run("cancellation", func(t *testing.T) { testQueueCancellation(t, newQueue(t)) })
	t.Run("nack redelivers", func(t *testing.T) { testQueueNack(t, newQueue(t)) })
	t.Run("lease expiry redelivers", func(t *testing.T) { testQueueLeaseExpiry(t, newQueue(t)) })
}

func dequeueWithin(t *testing.T, q Queue, owner string, ttl time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, err := q.Dequeue(ctx, owner, ttl)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return task
}

func testQueueFIFO(t *testing.T, q Queue) {
	ctx := context.Background()
	past := time.Now().Add(-time.Second)

	for _, id := range []string{"1", "2", "3"} {
		task := Task{ID: id, Type: TaskRunInstance, InstanceID: "inst-" + id, NotBefore: past}
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	var got []string
	for i := 0; i < 3; i++ {
		task := dequeueWithin(t, q, "w1", time.Minute)
		got = append(got, task.ID)
		if task.InstanceID != "inst-"+task.ID || task.Type != TaskRunInstance {
			t.Fatalf("unexpected task: %+v", task)
		}
		if err := q.Ack(ctx, task.ID, "w1"); err != nil {
			t.Fatalf("Ack %s failed: %v", task.ID, err)
		}
	}
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("unexpected dequeue order: %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after acks, got %d", q.Len())
	}
}

func testQueueNotBefore(t *testing.T, q Queue) {
	ctx := context.Background()
	now := time.Now()

	if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskRunDue, NotBefore: now.Add(200 * time.Millisecond)}); err != nil {
		t.Fatalf("Enqueue later failed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskRunDue}); err != nil {
		t.Fatalf("Enqueue now failed: %v", err)
	}

	first := dequeueWithin(t, q, "w1", time.Minute)
	if first.ID != "now" {
		t.Fatalf("expected immediate task first, got %q", first.ID)
	}

	second := dequeueWithin(t, q, "w1", time.Minute)
	if second.ID != "later" {
		t.Fatalf("expected delayed task, got %q", second.ID)
	}
	if time.Now().Before(now.Add(190 * time.Millisecond)) {
		t.Fatalf("delayed task delivered before its NotBefore")
	}
}

func testQueueCancellation(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// No tasks enqueued, Dequeue should return ctx error.
	if _, err := q.Dequeue(ctx, "w1", time.Second); err == nil {
		t.Fatalf("expected Dequeue to fail due to context cancellation")
	}
}

func testQueueNack(t *testing.T, q Queue) {
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "n1", Type: TaskExpireSweep}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	task := dequeueWithin(t, q, "w1", time.Minute)

	if err := q.Ack(ctx, task.ID, "w2"); !errors.Is(err, ErrNotLeased) {
		t.Fatalf("expected ErrNotLeased for foreign ack, got %v", err)
	}
	if err := q.Nack(ctx, task.ID, "w1", time.Now(), 1); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	again := dequeueWithin(t, q, "w2", time.Minute)
	if again.ID != "n1" || again.Attempts != 1 {
		t.Fatalf("unexpected redelivery: %+v", again)
	}
	if err := q.Ack(ctx, again.ID, "w2"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func testQueueLeaseExpiry(t *testing.T, q Queue) {
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "l1", Type: TaskDiscover, ConfigurationID: "c1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got1 := dequeueWithin(t, q, "w1", 30*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	got2 := dequeueWithin(t, q, "w2", time.Minute)

	if got1.ID != got2.ID || got2.ConfigurationID != "c1" {
		t.Fatalf("expected same task redelivered, got %q vs %q", got1.ID, got2.ID)
	}
	if err := q.Ack(ctx, got1.ID, "w1"); !errors.Is(err, ErrNotLeased) {
		t.Fatalf("expected stale owner ack to fail, got %v", err)
	}
}
