package gateway

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sigforge/sigforge/internal/config"
	"github.com/sigforge/sigforge/internal/resilience"
	"github.com/sigforge/sigforge/pkg/anthropic"
)

type fakeBackend struct {
	calls     int
	responses []func() (*anthropic.MessageResponse, error)
}

func (f *fakeBackend) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i]()
}

func fastGateway(ai anthropic.Client) *Gateway {
	g := New(ai, config.GatewayConfig{
		RequestTimeoutSecs:  1,
		MaxTransientRetries: 3,
		RequestsPerSecond:   1000,
		Burst:               1000,
	})
	g.policy.InitialBackoff = 0
	g.policy.Jitter = 0
	return g
}

func ok(text string) func() (*anthropic.MessageResponse, error) {
	return func() (*anthropic.MessageResponse, error) {
		return &anthropic.MessageResponse{
			Text:  text,
			Usage: anthropic.TokenUsage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func TestComplete_Success(t *testing.T) {
	backend := &fakeBackend{responses: []func() (*anthropic.MessageResponse, error){ok("hello")}}
	g := fastGateway(backend)

	resp, err := g.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, 1, backend.calls)
}

func TestComplete_RetriesTransientWithoutSurfacing(t *testing.T) {
	backend := &fakeBackend{responses: []func() (*anthropic.MessageResponse, error){
		func() (*anthropic.MessageResponse, error) {
			return nil, resilience.Transient(eris.New("overloaded"), 529)
		},
		ok("recovered"),
	}}
	g := fastGateway(backend)

	resp, err := g.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 2, backend.calls)
}

func TestComplete_PermanentErrorNotRetried(t *testing.T) {
	backend := &fakeBackend{responses: []func() (*anthropic.MessageResponse, error){
		func() (*anthropic.MessageResponse, error) { return nil, eris.New("invalid api key") },
	}}
	g := fastGateway(backend)

	_, err := g.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestComplete_LogsCostAttributionPerStage(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	defer undo()

	backend := &fakeBackend{responses: []func() (*anthropic.MessageResponse, error){
		func() (*anthropic.MessageResponse, error) {
			return &anthropic.MessageResponse{
				Text:  "ok",
				Usage: anthropic.TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000},
			}, nil
		},
	}}
	g := fastGateway(backend)

	_, err := g.Complete(context.Background(), Request{
		Model:  "claude-haiku-4-5-20251001",
		Stage:  "rank",
		Prompt: "p",
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("cost attribution").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "claude-haiku-4-5-20251001", fields["model"])
	assert.Equal(t, "rank", fields["stage"])
	assert.InDelta(t, 1.00+2.50, fields["estimated_cost_usd"].(float64), 1e-9)
}

func TestComplete_MissingModelRejectedBeforeCall(t *testing.T) {
	backend := &fakeBackend{responses: []func() (*anthropic.MessageResponse, error){ok("x")}}
	g := fastGateway(backend)

	_, err := g.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Zero(t, backend.calls)
}
