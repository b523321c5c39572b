package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigforge/sigforge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "article-1", got.ArticleID)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Empty(t, got.Steps)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	assert.Error(t, err)
}

func TestSaveStepAdvancesRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)

	result := &model.StepResult{
		Step:   model.StepContentGate,
		Status: model.StepStatusComplete,
		Usage:  model.TokenUsage{InputTokens: 100, OutputTokens: 20},
		Gate:   &model.GateOutcome{Score: 62.5, Passed: true},
	}
	require.NoError(t, s.SaveStep(ctx, run.ID, result, model.StepRank))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, model.StepRank, got.CurrentStep)
	assert.Equal(t, int64(100), got.Usage.InputTokens)
	assert.Equal(t, int64(20), got.Usage.OutputTokens)

	require.Contains(t, got.Steps, model.StepContentGate)
	saved := got.Steps[model.StepContentGate]
	require.NotNil(t, saved.Gate)
	assert.Equal(t, 62.5, saved.Gate.Score)
	assert.True(t, saved.Gate.Passed)
}

func TestSaveStepIdempotentOnResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)

	result := &model.StepResult{
		Step:   model.StepPlatformCheck,
		Status: model.StepStatusComplete,
		Platform: &model.PlatformOutcome{
			Detected:  "windows",
			Supported: true,
		},
	}
	require.NoError(t, s.SaveStep(ctx, run.ID, result, model.StepContentGate))
	require.NoError(t, s.SaveStep(ctx, run.ID, result, model.StepContentGate))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
}

func TestSaveStepUnknownRun(t *testing.T) {
	s := newTestStore(t)
	result := &model.StepResult{Step: model.StepContentGate, Status: model.StepStatusComplete}
	err := s.SaveStep(context.Background(), "missing", result, model.StepRank)
	assert.Error(t, err)
}

func TestFinishRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)

	err = s.FinishRun(ctx, run.ID, model.RunStatusTerminated, model.ReasonBelowScoreThreshold, "")
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusTerminated, got.Status)
	assert.Equal(t, model.ReasonBelowScoreThreshold, got.Reason)
}

func TestFindActiveRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.FindActiveRun(ctx, "article-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)

	active, err = s.FindActiveRun(ctx, "article-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, run.ID, active.ID)

	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusCompleted, "", ""))

	active, err = s.FindActiveRun(ctx, "article-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, "article-2", "trace-2")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, r1.ID, model.RunStatusFailed, "", "boom"))

	failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, r1.ID, failed[0].ID)
	assert.Equal(t, "boom", failed[0].Error)

	byArticle, err := s.ListRuns(ctx, RunFilter{ArticleID: "article-2"})
	require.NoError(t, err)
	require.Len(t, byArticle, 1)
	assert.Equal(t, "article-2", byArticle[0].ArticleID)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTerminationFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)

	requested, err := s.TerminationRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, s.RequestTermination(ctx, run.ID))

	requested, err = s.TerminationRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestTerminationFlagUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.TerminationRequested(context.Background(), "missing")
	assert.Error(t, err)
	assert.Error(t, s.RequestTermination(context.Background(), "missing"))
}

func TestReviewQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)

	entry := &model.ReviewEntry{
		RunID:          run.ID,
		ArticleID:      "article-1",
		RuleText:       "title: Example Rule",
		Classification: model.MatchNovel,
	}
	require.NoError(t, s.CreateReviewEntry(ctx, entry))
	assert.NotEmpty(t, entry.ID)

	entries, err := s.ListReviewEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, run.ID, entries[0].RunID)
	assert.Equal(t, model.MatchNovel, entries[0].Classification)
}

func TestArticles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &model.Article{Title: "Emotet returns", Text: "lorem"}
	require.NoError(t, s.SaveArticle(ctx, a))
	assert.NotEmpty(t, a.ID)

	got, err := s.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Emotet returns", got.Title)

	// Upsert keeps the same row.
	a.Title = "Emotet returns again"
	require.NoError(t, s.SaveArticle(ctx, a))
	got, err = s.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Emotet returns again", got.Title)

	_, err = s.GetArticle(ctx, "missing")
	assert.Error(t, err)
}

func TestListUnprocessedArticles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := &model.Article{Title: "one", Text: "t"}
	a2 := &model.Article{Title: "two", Text: "t"}
	require.NoError(t, s.SaveArticle(ctx, a1))
	require.NoError(t, s.SaveArticle(ctx, a2))

	pending, err := s.ListUnprocessedArticles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = s.CreateRun(ctx, a1.ID, "trace-1")
	require.NoError(t, err)

	pending, err = s.ListUnprocessedArticles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a2.ID, pending[0].ID)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1, err := s.CreateRun(ctx, "article-1", "trace-1")
	require.NoError(t, err)
	r2, err := s.CreateRun(ctx, "article-2", "trace-2")
	require.NoError(t, err)

	step := &model.StepResult{
		Step:   model.StepRank,
		Status: model.StepStatusComplete,
		Usage:  model.TokenUsage{InputTokens: 500, OutputTokens: 50},
	}
	require.NoError(t, s.SaveStep(ctx, r1.ID, step, model.StepExtract))
	require.NoError(t, s.FinishRun(ctx, r1.ID, model.RunStatusCompleted, "", ""))
	require.NoError(t, s.FinishRun(ctx, r2.ID, model.RunStatusTerminated, model.ReasonUnsupportedPlatform, ""))

	stats, err := s.Stats(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[model.RunStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[model.RunStatusTerminated])
	assert.Equal(t, 1, stats.ByReason[model.ReasonUnsupportedPlatform])
	assert.Equal(t, int64(500), stats.Usage.InputTokens)

	empty, err := s.Stats(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}
