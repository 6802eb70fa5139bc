package model

// TaskQueue is a named queue scoped to one environment. Unique by
// (EnvironmentID, Name).
type TaskQueue struct {
	QueueID         string `gorm:"column:queue_id;primaryKey"`
	FriendlyQueueID string `gorm:"column:friendly_queue_id"`
	Name            string `gorm:"column:name"`
	EnvironmentID   string `gorm:"column:environment_id"`
}

func (TaskQueue) TableName() string { return "task_queues" }

// QueueMessage is the transient envelope the Queue Client hands back on
// dequeue. Data is opaque to the queue and parsed by the dispatcher against
// the tagged-variant schema below.
type QueueMessage struct {
	MessageID string // == TaskRun.RunID
	Data      []byte
}

// MessageData is the only currently-recognized variant of QueueMessage.Data.
// Unknown "type" discriminators are poison and get ack'd without retry.
type MessageData struct {
	Type           string `json:"type"`
	TaskIdentifier string `json:"taskIdentifier"`
}

const MessageTypeExecute = "EXECUTE"
