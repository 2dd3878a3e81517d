// Package streaming carries live execution progress from the engine to
// interested consumers (SSE clients, tests) through a publish/subscribe hub.
package streaming

import (
	"context"

	"github.com/mirelk/stepflow/pkg/schema"
)

// Broadcaster is the progress transport the coordinator relays step and
// status transitions to. Implementations must be safe for concurrent use;
// the engine treats publishing as fire-and-forget.
type Broadcaster interface {
	BroadcastToExecution(executionID string, msg schema.Message)
	BroadcastToAll(msg schema.Message)
}

// Filter selects which messages a subscriber receives. The zero value
// matches everything.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Subscriber is the consuming side of the hub, used by the SSE endpoints.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Message, func(), error)
}
