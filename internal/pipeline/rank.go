package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
)

const rankSystem = `You are a detection engineering triage analyst. You judge whether a threat-intelligence article contains enough concrete, observable technical detail to synthesize a detection rule from it.`

const rankPrompt = `Rate the following article on a 0-10 scale for detection-rule suitability.

Scoring guidance:
- 0-3: marketing, news, or analysis with no concrete observables
- 4-5: mentions techniques but lacks reproducible commands, paths or values
- 6-8: contains specific command lines, registry keys, process chains or event codes
- 9-10: rich, specific observables that map directly to detection logic

Article title: %s

Article:
%s

Return only a JSON object: {"score": <number 0-10>, "rationale": "<one sentence>"}`

type rankPayload struct {
	Score     *float64 `json:"score"`
	Rationale string   `json:"rationale"`
}

// Rank asks the bound ranking model to judge suitability, using a validate-
// retry loop so malformed model output is corrected rather than crashing the
// run.
func Rank(ctx context.Context, gw gateway.Client, modelName string, maxAttempts int, article *model.Article) (*model.RankOutcome, model.TokenUsage, error) {
	gen := func(ctx context.Context, history []model.Attempt) (string, model.TokenUsage, error) {
		prompt := fmt.Sprintf(rankPrompt, article.Title, article.Text) + FormatFeedback(history)
		resp, err := gw.Complete(ctx, gateway.Request{
			Model:     modelName,
			Stage:     "rank",
			System:    rankSystem,
			Prompt:    prompt,
			MaxTokens: 512,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return resp.Text, resp.Usage, nil
	}

	result, err := RunLoop(ctx, "rank", maxAttempts, gen, validateRankOutput)
	if err != nil {
		return nil, model.TokenUsage{}, err
	}
	if !result.Valid {
		return nil, result.Usage, eris.Errorf("rank: no parseable score after %d attempts", result.Attempts)
	}

	var payload rankPayload
	_ = json.Unmarshal([]byte(extractJSON(result.Output)), &payload)
	return &model.RankOutcome{Score: *payload.Score, Rationale: payload.Rationale}, result.Usage, nil
}

func validateRankOutput(output string) []model.Finding {
	var payload rankPayload
	if err := json.Unmarshal([]byte(extractJSON(output)), &payload); err != nil {
		return []model.Finding{{Severity: "error", Message: "output is not a JSON object with a score field"}}
	}
	if payload.Score == nil {
		return []model.Finding{{Severity: "error", Message: "missing score field"}}
	}
	if *payload.Score < 0 || *payload.Score > 10 {
		return []model.Finding{{Severity: "error", Message: "score must be between 0 and 10"}}
	}
	return nil
}
