package engine

import (
	"github.com/mirelk/stepflow/pkg/schema"
)

// executionTransitions is the closed set of legal execution status moves.
// Terminal states have no outgoing edges: a finished execution is immutable.
var executionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusPaused,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusPaused: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
}

// stepTransitions is the legal status moves of one step attempt.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
	},
}

// CanTransition reports whether from -> to is a legal execution move.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an INVALID_TRANSITION error when from -> to is
// not a legal execution move.
func ValidateTransition(from, to schema.ExecutionStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition execution from %s to %s", from, to)
	}
	return nil
}

// CanStepTransition reports whether from -> to is a legal step move.
func CanStepTransition(from, to schema.StepStatus) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
