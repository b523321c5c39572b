package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sigforge/sigforge/internal/model"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process all unprocessed articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		articles, err := env.Store.ListUnprocessedArticles(ctx, batchLimit)
		if err != nil {
			return eris.Wrap(err, "list unprocessed articles")
		}

		return processBatch(ctx, articles, cfg.Batch.MaxConcurrentRuns, func(ctx context.Context, articleID string) (*model.Run, error) {
			run, err := env.Pipeline.Trigger(ctx, articleID)
			if err != nil {
				return nil, err
			}
			return env.Pipeline.Execute(ctx, run.ID)
		})
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of articles to process")
	rootCmd.AddCommand(batchCmd)
}

// runFunc is the callback signature for processing one article.
type runFunc func(ctx context.Context, articleID string) (*model.Run, error)

// processBatch runs the pipeline over articles concurrently. Individual
// failures are logged and counted, never abort the batch.
func processBatch(ctx context.Context, articles []model.Article, concurrency int, run runFunc) error {
	if len(articles) == 0 {
		zap.L().Info("no unprocessed articles found")
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("articles", len(articles)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var completed, terminated, failed atomic.Int64

	for _, article := range articles {
		g.Go(func() error {
			log := zap.L().With(zap.String("article_id", article.ID))

			result, err := run(gctx, article.ID)
			if err != nil {
				failed.Add(1)
				log.Error("run failed", zap.Error(err))
				return nil // don't abort batch on individual failure
			}

			switch result.Status {
			case model.RunStatusCompleted:
				completed.Add(1)
			case model.RunStatusTerminated:
				terminated.Add(1)
			default:
				failed.Add(1)
			}
			log.Info("run finished",
				zap.String("run_id", result.ID),
				zap.String("status", string(result.Status)),
				zap.String("reason", string(result.Reason)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("completed", completed.Load()),
		zap.Int64("terminated", terminated.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}
