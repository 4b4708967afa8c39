package worker

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Bridge turns the engine's wake-up requests into run-instance tasks.
type Bridge struct {
	queue taskqueue.Queue
}

// Ensure Bridge implements api.WakeRegistrar.
var _ api.WakeRegistrar = (*Bridge)(nil)

func NewBridge(queue taskqueue.Queue) *Bridge {
	return &Bridge{queue: queue}
}

func (b *Bridge) RegisterWake(ctx context.Context, instanceID string, at time.Time) error {
	return b.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskRunInstance,
		InstanceID: instanceID,
		NotBefore:  at,
	})
}
