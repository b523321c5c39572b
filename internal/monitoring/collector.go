package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sigforge/sigforge/internal/cost"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsTerminated int     `json:"runs_terminated"`
	RunsActive     int     `json:"runs_active"`
	FailRate       float64 `json:"fail_rate"`

	// Termination reason breakdown.
	Terminations map[model.TerminationReason]int `json:"terminations,omitempty"`

	// Token consumption and cost ceiling (within lookback window).
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	MaxCostUSD   float64 `json:"max_cost_usd"`

	// Intake backlog: articles with no run yet.
	Backlog int `json:"backlog"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the run store.
type Collector struct {
	store store.Store
	calc  *cost.Calculator
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, calc *cost.Calculator) *Collector {
	return &Collector{store: st, calc: calc}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback
// window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	stats, err := c.store.Stats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run stats")
	}

	snap.RunsTotal = stats.Total
	snap.RunsCompleted = stats.ByStatus[model.RunStatusCompleted]
	snap.RunsFailed = stats.ByStatus[model.RunStatusFailed]
	snap.RunsTerminated = stats.ByStatus[model.RunStatusTerminated]
	snap.RunsActive = stats.ByStatus[model.RunStatusPending] + stats.ByStatus[model.RunStatusRunning]
	snap.Terminations = stats.ByReason

	// Terminations are designed outcomes and do not count against the
	// failure rate.
	finished := snap.RunsCompleted + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	snap.InputTokens = stats.Usage.InputTokens
	snap.OutputTokens = stats.Usage.OutputTokens
	if c.calc != nil {
		snap.MaxCostUSD = c.calc.EstimateCeiling(stats.Usage)
	}

	backlog, err := c.store.ListUnprocessedArticles(ctx, 1000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unprocessed articles")
	}
	snap.Backlog = len(backlog)

	return snap, nil
}
