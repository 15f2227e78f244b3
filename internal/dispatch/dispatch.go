// Package dispatch invokes the external workflow engine. The scheduler treats
// a workflow run as opaque: it either returns nil or an error, and never
// interprets workflow-internal failures beyond that.
package dispatch

import (
	"context"
	"encoding/json"
)

// Dispatcher runs one workflow to completion (or error). Implementations must
// honor ctx cancellation; the scheduler enforces per-attempt timeouts through
// it and may abandon a call that outlives its deadline.
type Dispatcher interface {
	RunWorkflow(ctx context.Context, workflowID string, params json.RawMessage) error
}

// Func adapts a plain function to the Dispatcher interface.
type Func func(ctx context.Context, workflowID string, params json.RawMessage) error

func (f Func) RunWorkflow(ctx context.Context, workflowID string, params json.RawMessage) error {
	return f(ctx, workflowID, params)
}
