package main

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigforge/sigforge/internal/model"
)

func batchArticles(n int) []model.Article {
	articles := make([]model.Article, n)
	for i := range articles {
		articles[i] = model.Article{ID: string(rune('a' + i))}
	}
	return articles
}

func TestProcessBatch_Empty(t *testing.T) {
	err := processBatch(context.Background(), nil, 4, func(ctx context.Context, articleID string) (*model.Run, error) {
		t.Fatal("run func should not be called")
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestProcessBatch_ProcessesAll(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	err := processBatch(context.Background(), batchArticles(5), 2, func(ctx context.Context, articleID string) (*model.Run, error) {
		mu.Lock()
		seen[articleID] = true
		mu.Unlock()
		return &model.Run{ID: "run-" + articleID, Status: model.RunStatusCompleted}, nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5)
}

func TestProcessBatch_IndividualFailureDoesNotAbort(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	err := processBatch(context.Background(), batchArticles(4), 1, func(ctx context.Context, articleID string) (*model.Run, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, eris.New("trigger rejected")
		}
		return &model.Run{Status: model.RunStatusCompleted}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestProcessBatch_ZeroConcurrencyRunsSerially(t *testing.T) {
	calls := 0
	err := processBatch(context.Background(), batchArticles(3), 0, func(ctx context.Context, articleID string) (*model.Run, error) {
		calls++
		return &model.Run{Status: model.RunStatusTerminated, Reason: model.ReasonBelowScoreThreshold}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
