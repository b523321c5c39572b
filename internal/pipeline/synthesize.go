package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/sigma"
)

const synthesizeSystem = `You are a detection engineer writing Sigma rules for Windows. You produce exactly one complete Sigma rule in YAML, grounded only in the observables you are given. Output raw YAML with no markdown fences and no commentary.`

const synthesizePrompt = `Write one Sigma detection rule in YAML for the activity described below.

Requirements:
- top-level fields: title, logsource, detection; include level, status and tags
- logsource must carry a product or category (product: windows)
- detection must contain at least one named selection and a condition referencing it
- ground every selection value in the observables below; do not invent values

Article title: %s

%s`

const fallbackNote = `No structured observables were extracted. Work directly from the article text below; only write a rule if it states concrete observable values.

Article:
%s`

// Synthesizer turns aggregated observables into a validated detection rule.
type Synthesizer struct {
	gw          gateway.Client
	validator   sigma.Validator
	model       string
	maxAttempts int
	fallback    bool
}

// NewSynthesizer builds a Synthesizer bound to the synthesis model.
func NewSynthesizer(gw gateway.Client, validator sigma.Validator, modelName string, maxAttempts int, fallback bool) *Synthesizer {
	return &Synthesizer{
		gw:          gw,
		validator:   validator,
		model:       modelName,
		maxAttempts: maxAttempts,
		fallback:    fallback,
	}
}

// Synthesize drives the generate→validate loop against the rule grammar. With
// zero extracted observables it either falls back to raw article text (when
// configured) or reports that there is nothing to synthesize from.
//
// The returned artifact is non-nil whenever generation ran, even if the
// retry budget was exhausted; the caller decides what an exhausted artifact
// means for the run.
func (s *Synthesizer) Synthesize(ctx context.Context, article *model.Article, agg *model.AggregatedResult) (*model.DetectionArtifact, model.TokenUsage, error) {
	var input string
	switch {
	case agg != nil && agg.TotalCount > 0:
		input = agg.Summary
	case s.fallback:
		input = fmt.Sprintf(fallbackNote, article.Text)
	default:
		return nil, model.TokenUsage{}, nil
	}

	gen := func(ctx context.Context, history []model.Attempt) (string, model.TokenUsage, error) {
		prompt := fmt.Sprintf(synthesizePrompt, article.Title, input) + FormatFeedback(history)
		resp, err := s.gw.Complete(ctx, gateway.Request{
			Model:     s.model,
			Stage:     "synthesize",
			System:    synthesizeSystem,
			Prompt:    prompt,
			MaxTokens: 2048,
		})
		if err != nil {
			return "", model.TokenUsage{}, err
		}
		return stripFences(resp.Text), resp.Usage, nil
	}

	loop, err := RunLoop(ctx, "synthesize", s.maxAttempts, gen, s.validator.Validate)
	if err != nil {
		return nil, loopUsage(loop), err
	}

	artifact := &model.DetectionArtifact{
		Text:     loop.Output,
		Attempts: loop.Attempts,
		History:  loop.History,
	}
	if loop.Valid {
		artifact.Status = model.ArtifactValid
	} else {
		artifact.Status = model.ArtifactExhausted
	}
	return artifact, loop.Usage, nil
}

func loopUsage(loop *LoopResult) model.TokenUsage {
	if loop == nil {
		return model.TokenUsage{}
	}
	return loop.Usage
}

// stripFences removes a wrapping markdown code fence, which models add
// despite instructions.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
