package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// TaskType selects which side of a task a message dispatches.
type TaskType string

const (
	TaskExec     TaskType = "exec"
	TaskRollback TaskType = "rollback"
)

// Message is the queue payload that dispatches one task step.
type Message struct {
	TaskID   string   `json:"task_id"`
	TaskType TaskType `json:"task_type"`
}

// Encode serializes m as JSON.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// DecodeMessage parses and validates a queue payload.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.TaskID == "" {
		return Message{}, fmt.Errorf("decode message: missing task_id")
	}
	if m.TaskType != TaskExec && m.TaskType != TaskRollback {
		return Message{}, fmt.Errorf("decode message: unknown task_type %q", m.TaskType)
	}
	return m, nil
}

// Publisher appends payloads to the task queue. *queue.Stream satisfies it.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) (uint64, error)
}

// PublishMessages publishes msgs in order, stopping at the first error.
func PublishMessages(ctx context.Context, pub Publisher, msgs ...Message) error {
	for _, m := range msgs {
		if _, err := pub.Publish(ctx, m.Encode()); err != nil {
			return fmt.Errorf("publish %s %s: %w", m.TaskType, m.TaskID, err)
		}
	}
	return nil
}
