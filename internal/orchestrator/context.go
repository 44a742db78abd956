package orchestrator

import "context"

type agentKey struct{}

// WithAgent returns a context carrying the agent an invocation runs for.
// Executors read it with Agent(ctx).
func WithAgent(ctx context.Context, agent string) context.Context {
	if agent == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey{}, agent)
}

func Agent(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(agentKey{}).(string)
	return s
}
