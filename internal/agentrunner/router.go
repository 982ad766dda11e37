package agentrunner

import (
	"context"

	"github.com/aristath/elisa/internal/orchestrator"
)

// Route sends an agent's attempts to a runner, optionally pinning the model.
type Route struct {
	Runner orchestrator.AgentRunner
	Model  string
}

// Router dispatches attempts by agent name. Agents without a route use the
// fallback runner.
type Router struct {
	routes   map[string]Route
	fallback orchestrator.AgentRunner
}

// NewRouter creates a router. fallback must not be nil.
func NewRouter(fallback orchestrator.AgentRunner, routes map[string]Route) *Router {
	if routes == nil {
		routes = map[string]Route{}
	}
	return &Router{routes: routes, fallback: fallback}
}

// Execute implements orchestrator.AgentRunner.
func (r *Router) Execute(ctx context.Context, opts orchestrator.ExecuteOptions) (orchestrator.AttemptResult, error) {
	route, ok := r.routes[opts.AgentName]
	if !ok || route.Runner == nil {
		return r.fallback.Execute(ctx, opts)
	}
	if route.Model != "" {
		opts.Model = route.Model
	}
	return route.Runner.Execute(ctx, opts)
}
