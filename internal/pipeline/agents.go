package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sigforge/sigforge/internal/config"
	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
)

// maxExtractConcurrency bounds parallel sub-agent calls when extraction runs
// concurrently.
const maxExtractConcurrency = 5

const extractSystem = `You are a threat-intelligence extraction agent. You extract one specific class of observable from an article, exactly as written, without inventing or normalizing values.`

// agentPrompts gives each sub-agent its category-specific instructions. All
// agents share the same output contract: a JSON array of strings.
var agentPrompts = map[model.Category]string{
	model.CategoryCommandLine: `Extract every concrete command-line invocation from the article: full commands, interpreter flags, encoded payload fragments, LOLBAS abuse. Copy each verbatim.`,

	model.CategoryRegistry: `Extract every Windows registry artifact from the article: full key paths, value names, and written data. Include hive prefixes (HKLM, HKCU) exactly as printed.`,

	model.CategoryProcessLineage: `Extract every parent/child process relationship from the article. Render each as "parent.exe -> child.exe" using the image names the article gives.`,

	model.CategoryEventCode: `Extract every log event identifier from the article: Windows Security event IDs, Sysmon event IDs, and the provider each belongs to. Render each as "provider: id".`,

	model.CategoryQueryLanguage: `Extract every hunting or detection query from the article: KQL, SPL, EQL, YARA-L or similar. Copy each query verbatim, one array element per query.`,
}

const extractPrompt = `%s

Article title: %s

Article:
%s

Return only a JSON array of strings. Return [] if the article contains none of these observables.`

const qualitySystem = `You are a quality reviewer for extracted threat-intelligence observables. You remove items that are not genuinely present in the article or do not belong to the requested class.`

const qualityPrompt = `Requested class: %s

Article:
%s

Extracted items:
%s

Return only a JSON array of strings containing the items that are correct. Do not add new items or rewrite existing ones.`

// SubAgent extracts one category of observable via a validate-retry loop.
type SubAgent struct {
	category    model.Category
	gw          gateway.Client
	model       string
	maxAttempts int
	quality     bool
}

// NewSubAgent builds a sub-agent for one category.
func NewSubAgent(category model.Category, gw gateway.Client, modelName string, maxAttempts int, quality bool) *SubAgent {
	return &SubAgent{
		category:    category,
		gw:          gw,
		model:       modelName,
		maxAttempts: maxAttempts,
		quality:     quality,
	}
}

// Extract runs the sub-agent against one article. It never returns an error:
// loop exhaustion and hard provider failures are folded into the result
// status so the supervisor can aggregate partial output.
func (a *SubAgent) Extract(ctx context.Context, article *model.Article) model.SubAgentResult {
	result := model.SubAgentResult{
		Category: a.category,
		Items:    []string{},
	}

	gen := func(ctx context.Context, history []model.Attempt) (string, model.TokenUsage, error) {
		prompt := fmt.Sprintf(extractPrompt, agentPrompts[a.category], article.Title, article.Text) + FormatFeedback(history)
		resp, err := a.gw.Complete(ctx, gateway.Request{
			Model:     a.model,
			Stage:     "extract",
			System:    extractSystem,
			Prompt:    prompt,
			MaxTokens: 2048,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}

	loop, err := RunLoop(ctx, "extract/"+string(a.category), a.maxAttempts, gen, validateItemList)
	if loop != nil {
		result.Usage.Add(loop.Usage)
		result.Attempts = loop.History
		result.Raw = loop.Output
	}
	if err != nil {
		result.Status = model.SubAgentFailed
		result.Error = err.Error()
		return result
	}
	if !loop.Valid {
		result.Status = model.SubAgentExhausted
		return result
	}

	items := parseItemList(loop.Output)
	if a.quality && len(items) > 0 {
		items = a.reviewItems(ctx, article, items, &result)
	}

	result.Status = model.SubAgentValid
	result.Items = items
	result.Count = len(items)
	return result
}

// reviewItems runs the optional second-pass quality check. A review that
// fails or returns unparseable output keeps the original items.
func (a *SubAgent) reviewItems(ctx context.Context, article *model.Article, items []string, result *model.SubAgentResult) []string {
	itemsJSON, _ := json.Marshal(items)
	resp, err := a.gw.Complete(ctx, gateway.Request{
		Model:     a.model,
		Stage:     "quality",
		System:    qualitySystem,
		Prompt:    fmt.Sprintf(qualityPrompt, a.category, article.Text, string(itemsJSON)),
		MaxTokens: 2048,
	})
	if err != nil {
		zap.L().Warn("agents: quality check failed, keeping original items",
			zap.String("category", string(a.category)),
			zap.Error(err),
		)
		return items
	}
	result.Usage.Add(resp.Usage)

	if findings := validateItemList(resp.Text); !valid(findings) {
		zap.L().Warn("agents: quality check output unparseable, keeping original items",
			zap.String("category", string(a.category)),
		)
		return items
	}

	reviewed := parseItemList(resp.Text)

	// The reviewer may only keep or drop items, never invent them.
	allowed := make(map[string]struct{}, len(items))
	for _, it := range items {
		allowed[it] = struct{}{}
	}
	kept := make([]string, 0, len(reviewed))
	for _, it := range reviewed {
		if _, ok := allowed[it]; ok {
			kept = append(kept, it)
		}
	}
	return kept
}

func validateItemList(output string) []model.Finding {
	var items []string
	if err := json.Unmarshal([]byte(extractJSON(output)), &items); err != nil {
		return []model.Finding{{Severity: "error", Message: "output is not a JSON array of strings"}}
	}
	for i, it := range items {
		if strings.TrimSpace(it) == "" {
			return []model.Finding{{Severity: "error", Message: fmt.Sprintf("item %d is empty", i)}}
		}
	}
	return nil
}

func parseItemList(output string) []string {
	var items []string
	_ = json.Unmarshal([]byte(extractJSON(output)), &items)
	if items == nil {
		items = []string{}
	}
	return items
}

// ExtractAll fans the article out to one sub-agent per canonical category and
// collects their results. Disabled agents report status "disabled" with zero
// items and cost nothing. Order of the returned map is irrelevant; the
// aggregator imposes canonical order.
func ExtractAll(ctx context.Context, gw gateway.Client, cfg *config.Config, article *model.Article) map[model.Category]model.SubAgentResult {
	results := make(map[model.Category]model.SubAgentResult, len(model.CanonicalCategories))
	var mu sync.Mutex

	run := func(ctx context.Context, cat model.Category) {
		agentCfg := cfg.Pipeline.Agent(cat)
		var res model.SubAgentResult
		if !agentCfg.Enabled {
			res = model.SubAgentResult{
				Category: cat,
				Status:   model.SubAgentDisabled,
				Items:    []string{},
			}
		} else {
			agent := NewSubAgent(cat, gw, cfg.Models.Extract, cfg.Pipeline.MaxValidateRetries, agentCfg.QualityCheck)
			res = agent.Extract(ctx, article)
		}
		mu.Lock()
		results[cat] = res
		mu.Unlock()
	}

	if cfg.Pipeline.SequentialExtract {
		for _, cat := range model.CanonicalCategories {
			run(ctx, cat)
		}
		return results
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxExtractConcurrency)
	for _, cat := range model.CanonicalCategories {
		g.Go(func() error {
			run(gCtx, cat)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
