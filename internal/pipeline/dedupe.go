package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/corpus"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/pkg/embeddings"
)

// Deduper classifies a synthesized rule against the existing corpus by
// embedding similarity.
type Deduper struct {
	embed     embeddings.Client
	index     corpus.Index
	neighbors int

	duplicateThreshold float64
	extendThreshold    float64
	promoteExtend      bool
}

// NewDeduper builds a Deduper. Thresholds come validated from config:
// 0 < extend < duplicate <= 1.
func NewDeduper(embed embeddings.Client, index corpus.Index, neighbors int, duplicateThreshold, extendThreshold float64, promoteExtend bool) *Deduper {
	if neighbors <= 0 {
		neighbors = 5
	}
	return &Deduper{
		embed:              embed,
		index:              index,
		neighbors:          neighbors,
		duplicateThreshold: duplicateThreshold,
		extendThreshold:    extendThreshold,
		promoteExtend:      promoteExtend,
	}
}

// Dedupe embeds the rule text and classifies it against its nearest corpus
// neighbors. Classification follows the highest similarity found: at or above
// the duplicate threshold the rule is covered, in the middle band it extends
// an existing rule, below the extend threshold it is novel. An empty corpus
// classifies everything novel.
func (d *Deduper) Dedupe(ctx context.Context, ruleText string) (*model.SimilarityOutcome, error) {
	embedded, err := d.embed.Embed(ctx, []string{ruleText})
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: embed rule")
	}
	if len(embedded.Vectors) != 1 {
		return nil, eris.Errorf("dedupe: expected 1 embedding, got %d", len(embedded.Vectors))
	}

	neighbors, err := d.index.Nearest(ctx, embedded.Vectors[0], d.neighbors)
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: nearest neighbors")
	}

	outcome := &model.SimilarityOutcome{
		Classification:  model.MatchNovel,
		EmbeddingTokens: embedded.Tokens,
	}
	for _, n := range neighbors {
		outcome.Matches = append(outcome.Matches, model.SimilarityMatch{
			EntryID:    n.EntryID,
			Title:      n.Title,
			Similarity: n.Similarity,
			Class:      d.classify(n.Similarity),
		})
	}
	if len(neighbors) > 0 {
		// Nearest returns highest similarity first.
		outcome.Classification = d.classify(neighbors[0].Similarity)
	}

	switch outcome.Classification {
	case model.MatchNovel:
		outcome.Eligible = true
	case model.MatchExtend:
		outcome.Eligible = d.promoteExtend
	case model.MatchCovered:
		outcome.Eligible = false
	}

	zap.L().Info("dedupe: classified artifact",
		zap.String("class", string(outcome.Classification)),
		zap.Bool("eligible", outcome.Eligible),
		zap.Int("neighbors", len(neighbors)),
	)
	return outcome, nil
}

func (d *Deduper) classify(similarity float64) model.MatchClass {
	switch {
	case similarity >= d.duplicateThreshold:
		return model.MatchCovered
	case similarity >= d.extendThreshold:
		return model.MatchExtend
	default:
		return model.MatchNovel
	}
}
