// Package pipeline orchestrates the article-to-detection-rule state machine:
// platform check, content gate, ranking, extraction fan-out, synthesis,
// dedupe and promotion. Every completed step is persisted before the next
// starts, so an interrupted run resumes instead of repeating work.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/config"
	"github.com/sigforge/sigforge/internal/corpus"
	"github.com/sigforge/sigforge/internal/cost"
	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/scorer"
	"github.com/sigforge/sigforge/internal/sigma"
	"github.com/sigforge/sigforge/internal/store"
	"github.com/sigforge/sigforge/pkg/embeddings"
)

// Pipeline owns run state. Handlers compute step outcomes; only the pipeline
// mutates and persists the run.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	gw       gateway.Client
	synth    *Synthesizer
	deduper  *Deduper
	promoter *Promoter
	costCalc *cost.Calculator
}

// New wires a Pipeline from its collaborators.
func New(cfg *config.Config, st store.Store, gw gateway.Client, embed embeddings.Client, index corpus.Index) *Pipeline {
	p := cfg.Pipeline
	return &Pipeline{
		cfg:   cfg,
		store: st,
		gw:    gw,
		synth: NewSynthesizer(gw, sigma.NewRuleValidator(), cfg.Models.Synthesize,
			p.MaxValidateRetries, p.SynthesisFallback),
		deduper: NewDeduper(embed, index, cfg.Corpus.Neighbors,
			p.DuplicateThreshold, p.ExtendThreshold, p.PromoteExtend),
		promoter: NewPromoter(st, cfg.Promotion.WebhookURL),
		costCalc: cost.NewCalculator(cost.DefaultRates()),
	}
}

// ErrDuplicateRun is returned by Trigger when the article already has a
// non-terminal run.
var ErrDuplicateRun = eris.New("article already has an active run")

// Trigger creates a run for an article. Configuration is validated before
// anything else; at most one non-terminal run may exist per article.
func (p *Pipeline) Trigger(ctx context.Context, articleID string) (*model.Run, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := p.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}

	active, err := p.store.FindActiveRun(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, eris.Wrapf(ErrDuplicateRun, "pipeline: article %s, active run %s", articleID, active.ID)
	}

	run, err := p.store.CreateRun(ctx, articleID, uuid.New().String())
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: run created",
		zap.String("run_id", run.ID),
		zap.String("article_id", articleID),
		zap.String("trace_id", run.TraceID),
	)
	return run, nil
}

// stepOutcome is what one handler hands back to the orchestrator: the step
// payload and, when the run should end early, the designed reason.
type stepOutcome struct {
	result    *model.StepResult
	terminate model.TerminationReason
}

// Execute drives a run to a terminal state, resuming from persisted steps if
// the run was interrupted. Already-terminal runs return unchanged.
func (p *Pipeline) Execute(ctx context.Context, runID string) (*model.Run, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	article, err := p.store.GetArticle(ctx, run.ArticleID)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("article_id", run.ArticleID),
		zap.String("trace_id", run.TraceID),
	)
	log.Info("pipeline: executing run")

	for i, step := range model.StepOrder {
		if prior, ok := run.Steps[step]; ok && prior.Status != model.StepStatusFailed {
			log.Debug("pipeline: step already persisted, skipping", zap.String("step", string(step)))
			continue
		}

		requested, err := p.store.TerminationRequested(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if requested {
			return p.finish(ctx, run, model.RunStatusTerminated, model.ReasonExternalRequest, "")
		}

		next := model.Step("")
		if i+1 < len(model.StepOrder) {
			next = model.StepOrder[i+1]
		}

		start := time.Now()
		outcome, stepErr := p.runStep(ctx, step, run, article)
		result := outcome.result
		if result == nil {
			result = &model.StepResult{}
		}
		result.Step = step
		result.DurationMs = time.Since(start).Milliseconds()
		if stepErr != nil {
			result.Status = model.StepStatusFailed
			result.Error = stepErr.Error()
			next = step
		} else if result.Status == "" {
			result.Status = model.StepStatusComplete
		}

		if err := p.store.SaveStep(ctx, run.ID, result, next); err != nil {
			return nil, err
		}
		run.Steps[step] = result
		run.Usage.Add(result.Usage)
		run.CurrentStep = next

		if stepErr != nil {
			log.Error("pipeline: step failed",
				zap.String("step", string(step)),
				zap.Error(stepErr),
			)
			return p.finish(ctx, run, model.RunStatusFailed, "", stepErr.Error())
		}

		log.Info("pipeline: step complete",
			zap.String("step", string(step)),
			zap.String("status", string(result.Status)),
			zap.Int64("duration_ms", result.DurationMs),
		)

		if outcome.terminate != "" {
			return p.finish(ctx, run, model.RunStatusTerminated, outcome.terminate, "")
		}
	}

	return p.finish(ctx, run, model.RunStatusCompleted, "", "")
}

func (p *Pipeline) finish(ctx context.Context, run *model.Run, status model.RunStatus, reason model.TerminationReason, errMsg string) (*model.Run, error) {
	if err := p.store.FinishRun(ctx, run.ID, status, reason, errMsg); err != nil {
		return nil, err
	}
	run.Status = status
	run.Reason = reason
	run.Error = errMsg

	zap.L().Info("pipeline: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.String("reason", string(reason)),
		zap.Int64("input_tokens", run.Usage.InputTokens),
		zap.Int64("output_tokens", run.Usage.OutputTokens),
		zap.Float64("estimated_cost_usd", p.runCost(run)),
	)
	return run, nil
}

// runCost prices each step's usage against the model bound to that step.
// Steps with no inference contribute nothing; the dedupe step is priced at
// the embedding rate.
func (p *Pipeline) runCost(run *model.Run) float64 {
	var total float64
	for step, res := range run.Steps {
		switch step {
		case model.StepRank:
			total += p.costCalc.Claude(p.cfg.Models.Rank, res.Usage)
		case model.StepExtract:
			total += p.costCalc.Claude(p.cfg.Models.Extract, res.Usage)
		case model.StepSynthesize:
			total += p.costCalc.Claude(p.cfg.Models.Synthesize, res.Usage)
		case model.StepDedupe:
			if res.Similarity != nil {
				total += p.costCalc.Embeddings(res.Similarity.EmbeddingTokens)
			}
		}
	}
	return total
}

func (p *Pipeline) runStep(ctx context.Context, step model.Step, run *model.Run, article *model.Article) (stepOutcome, error) {
	switch step {
	case model.StepPlatformCheck:
		return p.platformStep(article), nil
	case model.StepContentGate:
		return p.gateStep(article), nil
	case model.StepRank:
		return p.rankStep(ctx, run, article)
	case model.StepExtract:
		return p.extractStep(ctx, article)
	case model.StepSynthesize:
		return p.synthesizeStep(ctx, run, article)
	case model.StepDedupe:
		return p.dedupeStep(ctx, run)
	case model.StepPromote:
		return p.promoteStep(ctx, run)
	default:
		return stepOutcome{}, eris.Errorf("pipeline: unknown step %s", step)
	}
}

func (p *Pipeline) platformStep(article *model.Article) stepOutcome {
	outcome := DetectPlatform(article.Title + "\n" + article.Text)
	result := &model.StepResult{Platform: &outcome}
	if !outcome.Supported {
		return stepOutcome{result: result, terminate: model.ReasonUnsupportedPlatform}
	}
	return stepOutcome{result: result}
}

func (p *Pipeline) gateStep(article *model.Article) stepOutcome {
	scored := scorer.Score(article.Title + "\n" + article.Text)

	matches := make(map[string][]string, len(scored.Matches))
	for cat, names := range scored.Matches {
		matches[string(cat)] = names
	}
	gate := &model.GateOutcome{
		Score:           scored.Score,
		Matches:         matches,
		PrimaryOverride: scored.PrimaryOverride,
	}
	gate.Passed = scored.PrimaryOverride || scored.Score >= p.cfg.Pipeline.ScoreGateThreshold

	result := &model.StepResult{Gate: gate}
	if !gate.Passed {
		return stepOutcome{result: result, terminate: model.ReasonBelowScoreThreshold}
	}
	return stepOutcome{result: result}
}

func (p *Pipeline) rankStep(ctx context.Context, run *model.Run, article *model.Article) (stepOutcome, error) {
	rank, usage, err := Rank(ctx, p.gw, p.cfg.Models.Rank, p.cfg.Pipeline.MaxValidateRetries, article)
	if err != nil {
		return stepOutcome{result: &model.StepResult{Usage: usage}}, err
	}
	rank.Passed = rank.Score >= p.cfg.Pipeline.RankThreshold
	if !rank.Passed {
		// A primary discriminator match at the gate is a hard override: the
		// article proceeds no matter how the model scored it.
		if gate, ok := run.Steps[model.StepContentGate]; ok && gate.Gate != nil && gate.Gate.PrimaryOverride {
			rank.Passed = true
			rank.Overridden = true
		}
	}

	result := &model.StepResult{Rank: rank, Usage: usage}
	if !rank.Passed {
		return stepOutcome{result: result, terminate: model.ReasonBelowRankingThreshold}, nil
	}
	return stepOutcome{result: result}, nil
}

func (p *Pipeline) extractStep(ctx context.Context, article *model.Article) (stepOutcome, error) {
	results := ExtractAll(ctx, p.gw, p.cfg, article)

	var usage model.TokenUsage
	for _, res := range results {
		usage.Add(res.Usage)
	}

	agg, err := Aggregate(results)
	if err != nil {
		return stepOutcome{result: &model.StepResult{Usage: usage}}, err
	}
	return stepOutcome{result: &model.StepResult{Extraction: agg, Usage: usage}}, nil
}

func (p *Pipeline) synthesizeStep(ctx context.Context, run *model.Run, article *model.Article) (stepOutcome, error) {
	prior, ok := run.Steps[model.StepExtract]
	if !ok || prior.Extraction == nil {
		return stepOutcome{}, eris.New("pipeline: synthesize without extraction result")
	}

	artifact, usage, err := p.synth.Synthesize(ctx, article, prior.Extraction)
	if err != nil {
		return stepOutcome{result: &model.StepResult{Usage: usage}}, err
	}
	if artifact == nil {
		return stepOutcome{
			result:    &model.StepResult{Usage: usage},
			terminate: model.ReasonNoSynthesizableInput,
		}, nil
	}

	result := &model.StepResult{Artifact: artifact, Usage: usage}
	if artifact.Status != model.ArtifactValid {
		// The full attempt history is persisted with the step for diagnosis.
		return stepOutcome{result: result},
			eris.Errorf("pipeline: synthesis did not validate after %d attempts", artifact.Attempts)
	}
	return stepOutcome{result: result}, nil
}

func (p *Pipeline) dedupeStep(ctx context.Context, run *model.Run) (stepOutcome, error) {
	prior, ok := run.Steps[model.StepSynthesize]
	if !ok || prior.Artifact == nil {
		return stepOutcome{}, eris.New("pipeline: dedupe without synthesized artifact")
	}

	outcome, err := p.deduper.Dedupe(ctx, prior.Artifact.Text)
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{result: &model.StepResult{Similarity: outcome}}, nil
}

func (p *Pipeline) promoteStep(ctx context.Context, run *model.Run) (stepOutcome, error) {
	sim, ok := run.Steps[model.StepDedupe]
	if !ok || sim.Similarity == nil {
		return stepOutcome{}, eris.New("pipeline: promote without similarity outcome")
	}
	artifact := run.Steps[model.StepSynthesize]
	if artifact == nil || artifact.Artifact == nil {
		return stepOutcome{}, eris.New("pipeline: promote without synthesized artifact")
	}

	if !sim.Similarity.Eligible {
		return stepOutcome{result: &model.StepResult{
			Status:    model.StepStatusSkipped,
			Promotion: &model.PromotionOutcome{Promoted: false},
		}}, nil
	}

	outcome, err := p.promoter.Promote(ctx, run, artifact.Artifact.Text, sim.Similarity.Classification)
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{result: &model.StepResult{Promotion: outcome}}, nil
}
