package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runArticleID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for a single article",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.Trigger(ctx, runArticleID)
		if err != nil {
			return eris.Wrap(err, "trigger run")
		}

		run, err = env.Pipeline.Execute(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "execute run")
		}

		zap.L().Info("run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.String("reason", string(run.Reason)),
			zap.Int64("input_tokens", run.Usage.InputTokens),
			zap.Int64("output_tokens", run.Usage.OutputTokens),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runArticleID, "article", "", "article ID to process (required)")
	_ = runCmd.MarkFlagRequired("article")
	rootCmd.AddCommand(runCmd)
}
