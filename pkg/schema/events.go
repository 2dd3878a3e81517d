package schema

import "time"

// Broadcast message types observed at the broadcaster boundary.
const (
	MessageExecutionUpdate    = "execution_update"
	MessageStepCompleted      = "step_completed"
	MessageProgressUpdate     = "progress_update"
	MessageExecutionCompleted = "execution_completed"
)

// Message is the structured progress envelope the coordinator relays to
// the broadcaster after every step and status transition.
type Message struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewMessage builds a broadcast message stamped with the current UTC time.
func NewMessage(msgType, executionID string, data map[string]any) Message {
	return Message{
		Type:        msgType,
		ExecutionID: executionID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}
