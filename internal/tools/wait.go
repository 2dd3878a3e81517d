package tools

import (
	"context"
	"time"

	"github.com/mirelk/stepflow/pkg/schema"
)

// maxWait bounds a single time.wait call. Longer pauses belong in the
// template's step timeout budget, not inside a tool.
const maxWait = 10 * time.Minute

// WaitTool implements "time.wait": sleeps for the requested duration,
// returning early with an error when the context is cancelled.
type WaitTool struct{}

// NewWaitTool creates the time.wait tool.
func NewWaitTool() *WaitTool { return &WaitTool{} }

func (t *WaitTool) Name() string { return "time.wait" }

func (t *WaitTool) Description() string {
	return "Pause execution for a fixed duration."
}

func (t *WaitTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	var d time.Duration
	if ds := stringParam(params, "duration", ""); ds != "" {
		parsed, err := time.ParseDuration(ds)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "time.wait: invalid duration %q", ds).WithCause(err)
		}
		d = parsed
	} else if secs := intParam(params, "seconds", 0); secs > 0 {
		d = time.Duration(secs) * time.Second
	}

	if d <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "time.wait: requires 'duration' or 'seconds'")
	}
	if d > maxWait {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "time.wait: duration %s exceeds the %s limit", d, maxWait)
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"waited_ms": time.Since(start).Milliseconds()}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "time.wait: cancelled").WithCause(ctx.Err())
	}
}
