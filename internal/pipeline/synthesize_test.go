package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/sigma"
)

func aggWithItems() *model.AggregatedResult {
	results := fullResults()
	agg, _ := Aggregate(results)
	return agg
}

func emptyAgg() *model.AggregatedResult {
	empty := make(map[model.Category]model.SubAgentResult)
	for _, cat := range model.CanonicalCategories {
		empty[cat] = model.SubAgentResult{Category: cat, Status: model.SubAgentValid, Items: []string{}}
	}
	agg, _ := Aggregate(empty)
	return agg
}

func TestSynthesizeValidFirstAttempt(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		// Observables must be in the prompt.
		assert.Contains(t, req.Prompt, "certutil -urlcache")
		return validRule, nil
	})
	s := NewSynthesizer(gw, sigma.NewRuleValidator(), "model-synth", 3, false)

	artifact, usage, err := s.Synthesize(context.Background(), testArticle(), aggWithItems())
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, model.ArtifactValid, artifact.Status)
	assert.Equal(t, 1, artifact.Attempts)
	assert.Equal(t, validRule, artifact.Text+"\n")
	assert.Equal(t, int64(100), usage.InputTokens)
}

func TestSynthesizeRetriesWithFindings(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, n int) (string, error) {
		if n == 1 {
			// Missing detection, validator rejects.
			return "title: Broken Rule\nlogsource:\n  product: windows\n", nil
		}
		assert.Contains(t, req.Prompt, "was rejected")
		assert.Contains(t, req.Prompt, "detection")
		return validRule, nil
	})
	s := NewSynthesizer(gw, sigma.NewRuleValidator(), "model-synth", 3, false)

	artifact, _, err := s.Synthesize(context.Background(), testArticle(), aggWithItems())
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactValid, artifact.Status)
	assert.Equal(t, 2, artifact.Attempts)
	assert.Len(t, artifact.History, 2)
}

func TestSynthesizeExhausted(t *testing.T) {
	gw := newFakeGateway(func(gateway.Request, int) (string, error) {
		return "title: Still Broken", nil
	})
	s := NewSynthesizer(gw, sigma.NewRuleValidator(), "model-synth", 2, false)

	artifact, _, err := s.Synthesize(context.Background(), testArticle(), aggWithItems())
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, model.ArtifactExhausted, artifact.Status)
	assert.Equal(t, 2, artifact.Attempts)
	assert.Equal(t, "title: Still Broken", artifact.Text)
	assert.Equal(t, 2, gw.totalCalls())
}

func TestSynthesizeNoInputNoFallback(t *testing.T) {
	gw := newFakeGateway(func(gateway.Request, int) (string, error) {
		return validRule, nil
	})
	s := NewSynthesizer(gw, sigma.NewRuleValidator(), "model-synth", 3, false)

	artifact, usage, err := s.Synthesize(context.Background(), testArticle(), emptyAgg())
	require.NoError(t, err)
	assert.Nil(t, artifact)
	assert.Zero(t, usage.InputTokens)
	assert.Zero(t, gw.totalCalls())
}

func TestSynthesizeFallbackUsesArticleText(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		assert.Contains(t, req.Prompt, "certutil -urlcache -split")
		assert.Contains(t, req.Prompt, "No structured observables")
		return validRule, nil
	})
	s := NewSynthesizer(gw, sigma.NewRuleValidator(), "model-synth", 3, true)

	artifact, _, err := s.Synthesize(context.Background(), testArticle(), emptyAgg())
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, model.ArtifactValid, artifact.Status)
}

func TestSynthesizeStripsCodeFences(t *testing.T) {
	gw := newFakeGateway(func(gateway.Request, int) (string, error) {
		return "```yaml\n" + validRule + "```", nil
	})
	s := NewSynthesizer(gw, sigma.NewRuleValidator(), "model-synth", 3, false)

	artifact, _, err := s.Synthesize(context.Background(), testArticle(), aggWithItems())
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactValid, artifact.Status)
	assert.NotContains(t, artifact.Text, "```")
}
