package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigforge/sigforge/internal/config"
	"github.com/sigforge/sigforge/internal/corpus"
	"github.com/sigforge/sigforge/internal/cost"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/monitoring"
	"github.com/sigforge/sigforge/internal/pipeline"
	"github.com/sigforge/sigforge/internal/store"
)

func newTestAPI(t *testing.T) (*apiServer, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	apiCfg := &config.Config{
		Models: config.ModelsConfig{
			Rank:       "rank-model",
			Extract:    "extract-model",
			Synthesize: "synth-model",
		},
		Pipeline: config.PipelineConfig{
			ScoreGateThreshold: 50,
			RankThreshold:      6,
			MaxValidateRetries: 3,
			DuplicateThreshold: 0.85,
			ExtendThreshold:    0.70,
		},
	}

	api := &apiServer{
		store:     st,
		pipeline:  pipeline.New(apiCfg, st, nil, nil, corpus.NewMemoryIndex(nil)),
		collector: monitoring.NewCollector(st, cost.NewCalculator(cost.DefaultRates())),
		lookback:  24,
	}
	return api, st
}

func doRequest(t *testing.T, api *apiServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	api.router().ServeHTTP(rr, req)
	return rr
}

func TestAPI_Health(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_CreateArticle(t *testing.T) {
	api, st := newTestAPI(t)

	rr := doRequest(t, api, http.MethodPost, "/articles", map[string]string{
		"url":   "https://example.com/intel",
		"title": "Certutil Abuse",
		"text":  "certutil -urlcache observed",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var article model.Article
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &article))
	assert.NotEmpty(t, article.ID)

	queued, err := st.ListUnprocessedArticles(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestAPI_CreateArticle_Validation(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodPost, "/articles", map[string]string{"title": "no text"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_ArticleQueue_Empty(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodGet, "/articles/queue", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestAPI_CreateRun_MissingArticleID(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodPost, "/runs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_CreateRun_UnknownArticleIs404(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodPost, "/runs", map[string]string{"article_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_CreateRun_DuplicateIs409(t *testing.T) {
	api, st := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, st.SaveArticle(ctx, &model.Article{ID: "a1", Title: "T", Text: "body"}))
	_, err := st.CreateRun(ctx, "a1", "trace-1")
	require.NoError(t, err)

	rr := doRequest(t, api, http.MethodPost, "/runs", map[string]string{"article_id": "a1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAPI_CreateRun_InvalidConfigIs422(t *testing.T) {
	api, st := newTestAPI(t)
	api.pipeline = pipeline.New(&config.Config{}, st, nil, nil, corpus.NewMemoryIndex(nil))

	ctx := context.Background()
	require.NoError(t, st.SaveArticle(ctx, &model.Article{ID: "a1", Title: "T", Text: "body"}))

	rr := doRequest(t, api, http.MethodPost, "/runs", map[string]string{"article_id": "a1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAPI_ListRuns_Empty(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestAPI_GetRun(t *testing.T) {
	api, st := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, st.SaveArticle(ctx, &model.Article{ID: "a1", Title: "T", Text: "body"}))
	run, err := st.CreateRun(ctx, "a1", "trace-1")
	require.NoError(t, err)

	rr := doRequest(t, api, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var got model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusPending, got.Status)
}

func TestAPI_GetRun_NotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_TerminateRun(t *testing.T) {
	api, st := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, st.SaveArticle(ctx, &model.Article{ID: "a1", Title: "T", Text: "body"}))
	run, err := st.CreateRun(ctx, "a1", "trace-1")
	require.NoError(t, err)

	rr := doRequest(t, api, http.MethodPost, "/runs/"+run.ID+"/terminate", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	requested, err := st.TerminationRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestAPI_TerminateRun_NotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodPost, "/runs/missing/terminate", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_Review_Empty(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodGet, "/review", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestAPI_Metrics(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(t, api, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 24, snap.LookbackHours)
}
