package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sigforge/sigforge/internal/gateway"
	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/pkg/embeddings"
)

// fakeGateway scripts completions per stage. Stages are recognized by a
// distinctive fragment of their system prompt; each stage keeps its own call
// counter so multi-attempt loops can vary responses.
type fakeGateway struct {
	mu    sync.Mutex
	calls []gateway.Request
	// respond receives the request and the per-stage call number (1-based).
	respond func(req gateway.Request, n int) (string, error)
	counts  map[string]int
}

func newFakeGateway(respond func(req gateway.Request, n int) (string, error)) *fakeGateway {
	return &fakeGateway{respond: respond, counts: map[string]int{}}
}

func (f *fakeGateway) Complete(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	key := stageOf(req)
	f.counts[key]++
	n := f.counts[key]
	f.mu.Unlock()

	text, err := f.respond(req, n)
	if err != nil {
		return nil, err
	}
	return &gateway.Response{
		Text:  text,
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 10},
	}, nil
}

// stageCalls returns how many completions a stage made.
func (f *fakeGateway) stageCalls(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if stageOf(c) == stage {
			n++
		}
	}
	return n
}

func (f *fakeGateway) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func stageOf(req gateway.Request) string {
	switch {
	case strings.Contains(req.System, "triage"):
		return "rank"
	case strings.Contains(req.System, "quality reviewer"):
		return "quality"
	case strings.Contains(req.System, "extraction agent"):
		return "extract"
	case strings.Contains(req.System, "Sigma rules"):
		return "synthesize"
	default:
		return "unknown"
	}
}

// extractCategory pulls the category a sub-agent request targets, using the
// category-specific instruction text.
func extractCategory(req gateway.Request) string {
	switch {
	case strings.Contains(req.Prompt, "command-line invocation"):
		return "command_line"
	case strings.Contains(req.Prompt, "registry artifact"):
		return "registry"
	case strings.Contains(req.Prompt, "parent/child process"):
		return "process_lineage"
	case strings.Contains(req.Prompt, "log event identifier"):
		return "event_code"
	case strings.Contains(req.Prompt, "hunting or detection query"):
		return "query_language"
	default:
		return ""
	}
}

// fakeEmbedder returns the same vector for every input.
type fakeEmbedder struct {
	vector []float32
	tokens int64
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (*embeddings.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return &embeddings.Result{Vectors: out, Tokens: f.tokens}, nil
}

var errBackend = eris.New("backend unavailable")
