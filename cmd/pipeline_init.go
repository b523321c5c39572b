package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/corpus"
	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/pipeline"
	"github.com/sigforge/sigforge/internal/scorer"
	"github.com/sigforge/sigforge/internal/store"
	anthropicpkg "github.com/sigforge/sigforge/pkg/anthropic"
	"github.com/sigforge/sigforge/pkg/embeddings"
)

// pipelineEnv holds the initialized store, clients, and pipeline needed by
// the run/batch/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Index    corpus.Index
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured run store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "sigforge.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, inference gateway, embedding client, and
// corpus index, and builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Scorer.KeywordsPath != "" {
		if err := scorer.LoadKeywordFile(cfg.Scorer.KeywordsPath); err != nil {
			return nil, err
		}
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	gw := gateway.New(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Gateway)

	embedClient := embeddings.NewClient(cfg.Embeddings.Key,
		embeddings.WithBaseURL(cfg.Embeddings.BaseURL),
		embeddings.WithModel(cfg.Embeddings.Model),
	)

	index, err := corpus.Load(ctx, cfg.Corpus.Path)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load corpus index")
	}
	zap.L().Info("corpus index loaded",
		zap.String("path", cfg.Corpus.Path),
		zap.Int("entries", index.Len()),
	)

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, gw, embedClient, index),
		Index:    index,
	}, nil
}
