package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/model"
)

// GenerateFunc produces one candidate output. The history of earlier attempts
// is supplied so the generator can fold validator findings into its prompt.
type GenerateFunc func(ctx context.Context, history []model.Attempt) (string, model.TokenUsage, error)

// ValidateFunc checks one candidate output. Findings with severity "error"
// make the attempt invalid; warnings are carried along but do not.
type ValidateFunc func(output string) []model.Finding

// LoopResult is the outcome of a validate-retry loop. The last output is
// always preserved, valid or not.
type LoopResult struct {
	Output   string
	Valid    bool
	Attempts int
	History  []model.Attempt
	Usage    model.TokenUsage
}

// RunLoop drives generate→validate cycles until the output validates or the
// attempt budget is spent. Each attempt consumes exactly one generator call;
// transient provider retries happen below the generator and never count here.
func RunLoop(ctx context.Context, name string, maxAttempts int, gen GenerateFunc, validate ValidateFunc) (*LoopResult, error) {
	if maxAttempts <= 0 {
		return nil, eris.Errorf("loop %s: max attempts must be positive", name)
	}

	result := &LoopResult{}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, usage, err := gen(ctx, result.History)
		result.Usage.Add(usage)
		if err != nil {
			return nil, eris.Wrapf(err, "loop %s: attempt %d", name, attempt)
		}

		findings := validate(output)
		result.Attempts = attempt
		result.Output = output
		result.History = append(result.History, model.Attempt{
			Attempt:  attempt,
			Output:   output,
			Findings: findings,
		})

		if valid(findings) {
			result.Valid = true
			return result, nil
		}

		zap.L().Debug("loop: attempt invalid",
			zap.String("loop", name),
			zap.Int("attempt", attempt),
			zap.Int("findings", len(findings)),
		)
	}

	zap.L().Warn("loop: retry budget exhausted",
		zap.String("loop", name),
		zap.Int("attempts", result.Attempts),
	)
	return result, nil
}

func valid(findings []model.Finding) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return false
		}
	}
	return true
}

// FormatFeedback renders the most recent attempt and its findings as a prompt
// fragment. The generator appends this so the model sees exactly what it
// produced and what was wrong with it.
func FormatFeedback(history []model.Attempt) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]

	var b strings.Builder
	fmt.Fprintf(&b, "\n\nYour previous attempt (attempt %d) was rejected.\n", last.Attempt)
	b.WriteString("Previous output:\n")
	b.WriteString(last.Output)
	b.WriteString("\n\nValidation findings:\n")
	for _, f := range last.Findings {
		if f.Line > 0 {
			fmt.Fprintf(&b, "- [%s] line %d: %s\n", f.Severity, f.Line, f.Message)
		} else {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Severity, f.Message)
		}
	}
	b.WriteString("\nFix every error finding and produce a corrected output.")
	return b.String()
}
