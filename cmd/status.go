package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sigforge/sigforge/internal/cost"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/monitoring"
)

var statusLookbackHours int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		collector := monitoring.NewCollector(st, cost.NewCalculator(cost.DefaultRates()))
		snap, err := collector.Collect(ctx, statusLookbackHours)
		if err != nil {
			return eris.Wrap(err, "collect status")
		}

		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookbackHours, "lookback", 24, "lookback window in hours")
	rootCmd.AddCommand(statusCmd)
}

func formatSnapshot(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Runs:\t%d\n", snap.RunsTotal)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", snap.RunsCompleted)
	_, _ = fmt.Fprintf(w, "  Terminated:\t%d\n", snap.RunsTerminated)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", snap.RunsFailed)
	_, _ = fmt.Fprintf(w, "  Active:\t%d\n", snap.RunsActive)
	_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\n", snap.FailRate*100)

	if len(snap.Terminations) > 0 {
		_, _ = fmt.Fprintln(w, "Termination reasons:")
		reasons := make([]string, 0, len(snap.Terminations))
		for r := range snap.Terminations {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", r, snap.Terminations[model.TerminationReason(r)])
		}
	}

	_, _ = fmt.Fprintf(w, "Input tokens:\t%d\n", snap.InputTokens)
	_, _ = fmt.Fprintf(w, "Output tokens:\t%d\n", snap.OutputTokens)
	_, _ = fmt.Fprintf(w, "Cost ceiling:\t$%.2f\n", snap.MaxCostUSD)
	_, _ = fmt.Fprintf(w, "Backlog:\t%d article(s)\n", snap.Backlog)
	_ = w.Flush()
}
