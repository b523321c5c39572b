package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sigforge/sigforge/internal/model"
)

// Aggregate merges sub-agent results into the supervisor's unified view. It
// walks model.CanonicalCategories, never map order, so identical inputs
// produce byte-identical output. A malformed payload aborts aggregation; the
// orchestrator fails the run rather than synthesizing from corrupt input.
func Aggregate(results map[model.Category]model.SubAgentResult) (*model.AggregatedResult, error) {
	if results == nil {
		return nil, eris.New("aggregate: nil sub-agent results")
	}

	agg := &model.AggregatedResult{
		Items:      []model.TaggedItem{},
		ByCategory: make(map[model.Category]model.SubAgentResult, len(model.CanonicalCategories)),
	}

	var summary strings.Builder
	summary.WriteString("Extraction summary:\n")

	for _, cat := range model.CanonicalCategories {
		res, ok := results[cat]
		if !ok {
			return nil, eris.Errorf("aggregate: missing result for category %s", cat)
		}
		if res.Category != cat {
			return nil, eris.Errorf("aggregate: result tagged %s delivered under %s", res.Category, cat)
		}
		if res.Status == model.SubAgentValid && res.Count != len(res.Items) {
			return nil, eris.Errorf("aggregate: category %s reports %d items but carries %d", cat, res.Count, len(res.Items))
		}
		for i, it := range res.Items {
			if strings.TrimSpace(it) == "" {
				return nil, eris.Errorf("aggregate: category %s item %d is empty", cat, i)
			}
		}

		agg.ByCategory[cat] = res
		for _, it := range res.Items {
			agg.Items = append(agg.Items, model.TaggedItem{Category: cat, Value: it})
		}
		agg.TotalCount += len(res.Items)

		fmt.Fprintf(&summary, "- %s (%s): %d item(s)\n", cat, res.Status, len(res.Items))
		for _, it := range res.Items {
			fmt.Fprintf(&summary, "  - %s\n", it)
		}
	}

	agg.Summary = summary.String()
	return agg, nil
}
