package tools

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/RoboMaroof/ragserver/agent"
)

// RateLimited throttles calls to a wrapped tool. Waiting for a token honours
// the call's context, so a tool timeout also bounds the wait.
type RateLimited struct {
	agent.Tool
	limiter *rate.Limiter
}

// WithRateLimit wraps t with a limiter. A non-positive rate returns t as is.
func WithRateLimit(t agent.Tool, perSecond float64, burst int) agent.Tool {
	if perSecond <= 0 {
		return t
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{Tool: t, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Execute(ctx context.Context, args map[string]any) (agent.ToolOutput, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return agent.ToolOutput{}, fmt.Errorf("rate limit: %w", err)
	}
	return r.Tool.Execute(ctx, args)
}
