package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/store"
)

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("12345678-abcd-efgh"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatRunsList(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:          "aaaaaaaa-1111-2222-3333-444444444444",
			ArticleID:   "bbbbbbbb-5555-6666-7777-888888888888",
			Status:      model.RunStatusTerminated,
			Reason:      model.ReasonUnsupportedPlatform,
			Usage:       model.TokenUsage{InputTokens: 100, OutputTokens: 20},
			CreatedAt:   created,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "aaaaaaaa")
	assert.Contains(t, out, "bbbbbbbb")
	assert.Contains(t, out, "terminated")
	assert.Contains(t, out, "unsupported-platform")
	assert.Contains(t, out, "120")
	assert.Contains(t, out, "2026-03-14 09:30")
}

func TestFormatRunStats(t *testing.T) {
	stats := &store.RunStats{
		Total: 7,
		ByStatus: map[model.RunStatus]int{
			model.RunStatusCompleted:  3,
			model.RunStatusTerminated: 3,
			model.RunStatusFailed:     1,
		},
		ByReason: map[model.TerminationReason]int{
			model.ReasonBelowScoreThreshold: 2,
			model.ReasonUnsupportedPlatform: 1,
		},
		Usage: model.TokenUsage{InputTokens: 5000, OutputTokens: 800},
	}

	var buf bytes.Buffer
	formatRunStats(&buf, stats)

	out := buf.String()
	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "completed:")
	assert.Contains(t, out, "below-score-threshold:")
	assert.Contains(t, out, "5000")
	assert.Contains(t, out, "800")
}

func TestFormatArticles(t *testing.T) {
	articles := []model.Article{
		{
			ID:        "cccccccc-9999-0000-1111-222222222222",
			Title:     "A very long article title that should definitely be truncated for display",
			Source:    "vendor-blog",
			CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	formatArticles(&buf, articles)

	out := buf.String()
	assert.Contains(t, out, "cccccccc")
	assert.Contains(t, out, "vendor-blog")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "truncated for display")
}
