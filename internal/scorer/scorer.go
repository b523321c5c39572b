// Package scorer implements the deterministic content gate. Scoring is a
// pure, total function of the article text: no I/O, no configuration reads,
// no randomness, so identical input always yields the identical score.
package scorer

import (
	"math"

	"golang.org/x/text/unicode/norm"
)

// Category labels one keyword tier.
type Category string

const (
	// CategoryPerfect holds the primary discriminators. A single match is a
	// hard override: the article must never be discarded by a downstream
	// confidence-based filter.
	CategoryPerfect Category = "perfect"
	// CategoryGood holds the secondary discriminators.
	CategoryGood Category = "good"
	// CategoryB holds technique-executable tooling names.
	CategoryB Category = "category_b"
	// CategoryIntelligence holds threat-intelligence vocabulary.
	CategoryIntelligence Category = "intelligence"
	// CategoryNegative holds marketing noise; it subtracts from the score.
	CategoryNegative Category = "negative"
)

// Category maxima. Each positive category approaches, but never reaches, its
// maximum for any finite match count.
var categoryMax = map[Category]float64{
	CategoryPerfect:      75,
	CategoryGood:         5,
	CategoryB:            10,
	CategoryIntelligence: 10,
}

const (
	negativePerMatch = 6.0
	negativeCap      = 12.5
)

// scoringOrder fixes category evaluation order so summation is reproducible.
var scoringOrder = []Category{
	CategoryPerfect,
	CategoryGood,
	CategoryB,
	CategoryIntelligence,
	CategoryNegative,
}

// Result is the outcome of scoring one article.
type Result struct {
	Score float64 `json:"score"`
	// Matches maps each category to the names of its matched patterns, in
	// pattern-table order.
	Matches map[Category][]string `json:"matches"`
	// PrimaryOverride is set when any primary discriminator matched.
	PrimaryOverride bool `json:"primary_override"`
}

// Score evaluates text against the keyword tiers. Empty or patternless input
// yields score 0.
func Score(text string) Result {
	result := Result{
		Matches: make(map[Category][]string),
	}
	if text == "" {
		return result
	}

	// NFKC folds fullwidth and compatibility forms so obfuscated variants of
	// ASCII keywords still match.
	normalized := norm.NFKC.String(text)

	var total float64
	for _, cat := range scoringOrder {
		patterns := categoryPatterns[cat]
		var matched []string
		for _, p := range patterns {
			if p.re.MatchString(normalized) {
				matched = append(matched, p.name)
			}
		}
		if len(matched) == 0 {
			continue
		}
		result.Matches[cat] = matched

		if cat == CategoryNegative {
			total -= math.Min(negativeCap, float64(len(matched))*negativePerMatch)
			continue
		}
		total += contribution(categoryMax[cat], len(matched))
	}

	if len(result.Matches[CategoryPerfect]) > 0 {
		result.PrimaryOverride = true
	}

	result.Score = clamp(total, 0, 100)
	return result
}

// contribution applies geometric diminishing returns: each additional match
// adds half the remaining headroom, so the value strictly increases with n
// but never reaches max for finite n.
func contribution(max float64, matches int) float64 {
	return max * (1 - math.Pow(0.5, float64(matches)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
