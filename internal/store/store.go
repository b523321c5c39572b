package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sigforge/sigforge/internal/model"
)

// ErrNotFound marks lookups for rows that do not exist. Callers match it with
// errors.Is to tell a missing entity apart from a storage failure.
var ErrNotFound = eris.New("not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	ArticleID string          `json:"article_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// RunStats aggregates run outcomes for the status command and the monitoring
// collector.
type RunStats struct {
	Total    int                             `json:"total"`
	ByStatus map[model.RunStatus]int         `json:"by_status"`
	ByReason map[model.TerminationReason]int `json:"by_reason"`
	Usage    model.TokenUsage                `json:"usage"`
}

// Store defines the persistence interface for the detection pipeline. Run
// state is written after every completed step so an interrupted run resumes
// from its last persisted step.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, articleID, traceID string) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	FindActiveRun(ctx context.Context, articleID string) (*model.Run, error)
	SaveStep(ctx context.Context, runID string, result *model.StepResult, next model.Step) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, reason model.TerminationReason, errMsg string) error
	RequestTermination(ctx context.Context, runID string) error
	TerminationRequested(ctx context.Context, runID string) (bool, error)

	// Review queue
	CreateReviewEntry(ctx context.Context, entry *model.ReviewEntry) error
	ListReviewEntries(ctx context.Context, limit int) ([]model.ReviewEntry, error)

	// Articles
	SaveArticle(ctx context.Context, article *model.Article) error
	GetArticle(ctx context.Context, articleID string) (*model.Article, error)
	ListUnprocessedArticles(ctx context.Context, limit int) ([]model.Article, error)

	// Aggregates
	Stats(ctx context.Context, since time.Time) (*RunStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
