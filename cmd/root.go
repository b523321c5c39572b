package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sigforge",
	Short: "Threat-intel to detection-rule pipeline",
	Long:  "Turns threat-intelligence articles into validated Sigma detection rules: gates and ranks articles, extracts observables via sub-agents, synthesizes rules, dedupes against the corpus, and queues novel rules for review.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
