// Package gateway is the single path to text-generation backends. Every
// pipeline stage that needs inference calls Complete; timeouts, transient
// retries, rate limiting and circuit breaking all live here, so validate-retry
// loops upstream never see (or pay attempts for) provider flakiness.
package gateway

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sigforge/sigforge/internal/config"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/resilience"
	"github.com/sigforge/sigforge/pkg/anthropic"
)

// Request is one completion call. Stage names the pipeline stage issuing the
// request so cost attribution logs can be grouped per stage.
type Request struct {
	Model       string
	Stage       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int64
}

// Response is the completion result.
type Response struct {
	Text  string
	Usage model.TokenUsage
}

// Client is the uniform call contract consumed by pipeline stages.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Gateway implements Client over the Anthropic backend.
type Gateway struct {
	ai      anthropic.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	policy  resilience.Policy
	timeout time.Duration
}

// New creates a Gateway from configuration.
func New(ai anthropic.Client, cfg config.GatewayConfig) *Gateway {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	policy := resilience.PolicyFor(cfg.MaxTransientRetries, 0)
	policy.OnRetry = resilience.LogRetries("anthropic", "complete")

	return &Gateway{
		ai:      ai,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: resilience.NewBreaker(cfg.CircuitFailureThreshold, time.Duration(cfg.CircuitResetSecs)*time.Second),
		policy:  policy,
		timeout: timeout,
	}
}

// Complete executes one completion with a per-attempt timeout. Transient
// provider failures are retried with exponential backoff; everything else is
// returned as-is.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		return nil, eris.New("gateway: no model bound for request")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "gateway: rate limit wait")
	}

	resp, err := resilience.Do(ctx, g.policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := g.breaker.Allow(); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()
		msg, err := g.ai.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:       req.Model,
			MaxTokens:   req.MaxTokens,
			System:      req.System,
			Prompt:      req.Prompt,
			Temperature: req.Temperature,
		})

		// A deadline hit on the per-call context is a transient provider
		// condition, not a caller cancellation.
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = resilience.Transient(eris.Wrap(err, "gateway: request timeout"), 0)
		}

		g.breaker.Record(err)
		if err != nil {
			return nil, err
		}

		zap.L().Debug("gateway: completion",
			zap.String("model", req.Model),
			zap.Duration("elapsed", time.Since(start)),
		)
		msg.Usage.LogCost(req.Model, req.Stage)
		return msg, nil
	})
	if err != nil {
		return nil, err
	}

	return &Response{
		Text: resp.Text,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
