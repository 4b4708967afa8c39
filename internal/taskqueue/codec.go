package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownTaskType is returned when encoding or decoding a task whose
	// type no worker handles.
	ErrUnknownTaskType = errors.New("taskqueue: unknown task type")
	// ErrTaskVersion is returned for payloads written by an incompatible
	// codec version.
	ErrTaskVersion = errors.New("taskqueue: unsupported task payload version")
)

const payloadVersion = 1

// taskPayload is the stored form of a Task in key-value backends. Field
// names are short because every pending wake-up keeps one in Redis.
type taskPayload struct {
	V          int       `json:"v"`
	ID         string    `json:"id"`
	Type       TaskType  `json:"t"`
	Instance   string    `json:"i,omitempty"`
	Config     string    `json:"c,omitempty"`
	EnqueuedAt time.Time `json:"e"`
	NotBefore  time.Time `json:"nb"`
	Attempts   int       `json:"a,omitempty"`
}

// Validate checks that t names a known task type and carries the ids that
// type needs.
func (t Task) Validate() error {
	switch t.Type {
	case TaskRunInstance:
		if t.InstanceID == "" {
			return fmt.Errorf("taskqueue: %s task %q has no instance id", t.Type, t.ID)
		}
	case TaskRunDue, TaskExpireSweep, TaskDiscover:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	return nil
}

// EncodeTask serializes a validated Task for the Redis queue.
func EncodeTask(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(taskPayload{
		V:          payloadVersion,
		ID:         t.ID,
		Type:       t.Type,
		Instance:   t.InstanceID,
		Config:     t.ConfigurationID,
		EnqueuedAt: t.EnqueuedAt.UTC(),
		NotBefore:  t.NotBefore.UTC(),
		Attempts:   t.Attempts,
	})
}

// DecodeTask parses a payload produced by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var p taskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("taskqueue: decode task: %w", err)
	}
	if p.V != payloadVersion {
		return nil, fmt.Errorf("%w: %d", ErrTaskVersion, p.V)
	}
	t := &Task{
		ID:              p.ID,
		Type:            p.Type,
		InstanceID:      p.Instance,
		ConfigurationID: p.Config,
		EnqueuedAt:      p.EnqueuedAt,
		NotBefore:       p.NotBefore,
		Attempts:        p.Attempts,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
