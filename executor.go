package llmroute

import (
	"context"

	"github.com/blueberrycongee/llmroute/pkg/types"
)

// Executor dispatches a request to one concrete deployment. The adapter
// layer owns everything behind this call: wire format, credentials, and
// response translation. The router only requires that the call respects the
// context deadline and that returned errors are classifiable (ideally
// *errors.RouteError; anything else is classified conservatively).
type Executor interface {
	Execute(ctx context.Context, deployment types.Deployment, req *types.RoutingRequest) (*types.Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, deployment types.Deployment, req *types.RoutingRequest) (*types.Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, deployment types.Deployment, req *types.RoutingRequest) (*types.Response, error) {
	return f(ctx, deployment, req)
}
