package model

import (
	"time"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusTerminated RunStatus = "terminated"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusTerminated:
		return true
	}
	return false
}

// Step identifies a pipeline stage.
type Step string

const (
	StepPlatformCheck Step = "platform_check"
	StepContentGate   Step = "content_gate"
	StepRank          Step = "rank"
	StepExtract       Step = "extract"
	StepSynthesize    Step = "synthesize"
	StepDedupe        Step = "dedupe"
	StepPromote       Step = "promote"
)

// StepOrder is the canonical pipeline sequence. Handlers execute strictly in
// this order within a run.
var StepOrder = []Step{
	StepPlatformCheck,
	StepContentGate,
	StepRank,
	StepExtract,
	StepSynthesize,
	StepDedupe,
	StepPromote,
}

// TerminationReason records why a run exited early. Termination is a designed
// outcome, not a failure.
type TerminationReason string

const (
	ReasonUnsupportedPlatform   TerminationReason = "unsupported-platform"
	ReasonBelowScoreThreshold   TerminationReason = "below-score-threshold"
	ReasonBelowRankingThreshold TerminationReason = "below-ranking-threshold"
	ReasonNoSynthesizableInput  TerminationReason = "no-synthesizable-input"
	ReasonExternalRequest       TerminationReason = "termination-requested"
)

// StepStatus represents the outcome of a single pipeline step.
type StepStatus string

const (
	StepStatusComplete StepStatus = "complete"
	StepStatusFailed   StepStatus = "failed"
	StepStatusSkipped  StepStatus = "skipped"
)

// TokenUsage tracks inference token consumption across stages.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates usage from another stage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Run is one pipeline execution for one article. It is owned by the
// orchestrator: sub-agents never mutate it directly, and its state is
// persisted after every completed step.
type Run struct {
	ID          string               `json:"id"`
	ArticleID   string               `json:"article_id"`
	TraceID     string               `json:"trace_id"`
	Status      RunStatus            `json:"status"`
	CurrentStep Step                 `json:"current_step,omitempty"`
	Steps       map[Step]*StepResult `json:"steps,omitempty"`
	Reason      TerminationReason    `json:"reason,omitempty"`
	Error       string               `json:"error,omitempty"`
	Usage       TokenUsage           `json:"usage"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// StepResult holds the persisted outcome of one pipeline step. Exactly one of
// the payload pointers is set, matching the step that produced it.
type StepResult struct {
	Step       Step        `json:"step"`
	Status     StepStatus  `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Usage      TokenUsage  `json:"usage"`
	Error      string      `json:"error,omitempty"`

	Platform   *PlatformOutcome   `json:"platform,omitempty"`
	Gate       *GateOutcome       `json:"gate,omitempty"`
	Rank       *RankOutcome       `json:"rank,omitempty"`
	Extraction *AggregatedResult  `json:"extraction,omitempty"`
	Artifact   *DetectionArtifact `json:"artifact,omitempty"`
	Similarity *SimilarityOutcome `json:"similarity,omitempty"`
	Promotion  *PromotionOutcome  `json:"promotion,omitempty"`
}

// PlatformOutcome is the result of the platform_check step.
type PlatformOutcome struct {
	Detected  string `json:"detected"`
	Supported bool   `json:"supported"`
}

// GateOutcome is the result of the deterministic content gate.
type GateOutcome struct {
	Score           float64             `json:"score"`
	Matches         map[string][]string `json:"matches,omitempty"`
	PrimaryOverride bool                `json:"primary_override"`
	Passed          bool                `json:"passed"`
}

// RankOutcome is the result of the LLM suitability ranking.
type RankOutcome struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
	Passed    bool    `json:"passed"`
	// Overridden is set when a sub-threshold score was kept anyway because a
	// primary discriminator matched at the content gate.
	Overridden bool `json:"overridden,omitempty"`
}

// SimilarityOutcome is the result of the dedupe step.
type SimilarityOutcome struct {
	Matches        []SimilarityMatch `json:"matches,omitempty"`
	Classification MatchClass        `json:"classification"`
	Eligible       bool              `json:"eligible"`
	// EmbeddingTokens is the provider-reported token count for embedding the
	// rule text, kept for cost attribution.
	EmbeddingTokens int64 `json:"embedding_tokens,omitempty"`
}

// PromotionOutcome records whether the artifact was queued for review.
type PromotionOutcome struct {
	Promoted      bool   `json:"promoted"`
	ReviewEntryID string `json:"review_entry_id,omitempty"`
	WebhookSent   bool   `json:"webhook_sent"`
}

// ReviewEntry is a promoted artifact awaiting human review.
type ReviewEntry struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	ArticleID      string     `json:"article_id"`
	RuleText       string     `json:"rule_text"`
	Classification MatchClass `json:"classification"`
	CreatedAt      time.Time  `json:"created_at"`
}
