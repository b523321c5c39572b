package model

// Category identifies an observable class targeted by one extraction sub-agent.
type Category string

const (
	CategoryCommandLine    Category = "command_line"
	CategoryRegistry       Category = "registry"
	CategoryProcessLineage Category = "process_lineage"
	CategoryEventCode      Category = "event_code"
	CategoryQueryLanguage  Category = "query_language"
)

// CanonicalCategories is the fixed merge order for aggregation. The aggregator
// walks this slice, never map insertion order, so output is deterministic
// regardless of sub-agent completion order.
var CanonicalCategories = []Category{
	CategoryCommandLine,
	CategoryRegistry,
	CategoryProcessLineage,
	CategoryEventCode,
	CategoryQueryLanguage,
}

// Finding is one structured validator complaint, fed back to the generator on
// the next attempt.
type Finding struct {
	Severity string `json:"severity"` // "error" or "warning"
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

// Attempt records one generate→validate cycle.
type Attempt struct {
	Attempt  int       `json:"attempt"`
	Output   string    `json:"output"`
	Findings []Finding `json:"findings,omitempty"`
}

// SubAgentStatus describes how a sub-agent invocation ended.
type SubAgentStatus string

const (
	SubAgentValid     SubAgentStatus = "valid"
	SubAgentExhausted SubAgentStatus = "exhausted"
	SubAgentDisabled  SubAgentStatus = "disabled"
	SubAgentFailed    SubAgentStatus = "failed"
)

// SubAgentResult is the immutable output of one extraction sub-agent.
type SubAgentResult struct {
	Category Category       `json:"category"`
	Status   SubAgentStatus `json:"status"`
	Items    []string       `json:"items"`
	Count    int            `json:"count"`
	Raw      string         `json:"raw,omitempty"`
	Attempts []Attempt      `json:"attempts,omitempty"`
	Error    string         `json:"error,omitempty"`
	Usage    TokenUsage     `json:"usage"`
}

// TaggedItem is one extracted observable tagged with its source category.
type TaggedItem struct {
	Category Category `json:"category"`
	Value    string   `json:"value"`
}

// AggregatedResult is the supervisor's unified view over all sub-agent output.
// TotalCount always equals the sum of per-category counts, and Summary is a
// pure function of ByCategory: identical inputs produce byte-identical output.
type AggregatedResult struct {
	Items      []TaggedItem                `json:"items"`
	TotalCount int                         `json:"total_count"`
	Summary    string                      `json:"summary"`
	ByCategory map[Category]SubAgentResult `json:"by_category"`
}

// ArtifactStatus is the terminal validation state of a synthesized rule.
type ArtifactStatus string

const (
	ArtifactValid     ArtifactStatus = "valid"
	ArtifactInvalid   ArtifactStatus = "invalid"
	ArtifactExhausted ArtifactStatus = "exhausted"
)

// DetectionArtifact is the synthesized structured rule plus its validation
// trail. The last attempt is always preserved, even when the retry budget is
// exhausted.
type DetectionArtifact struct {
	Text     string         `json:"text"`
	Status   ArtifactStatus `json:"status"`
	Attempts int            `json:"attempts"`
	History  []Attempt      `json:"history,omitempty"`
}

// MatchClass classifies an artifact against the existing corpus.
type MatchClass string

const (
	MatchCovered MatchClass = "covered"
	MatchExtend  MatchClass = "extend"
	MatchNovel   MatchClass = "novel"
)

// SimilarityMatch is one comparison between a synthesized artifact and a
// corpus entry.
type SimilarityMatch struct {
	EntryID    string     `json:"entry_id"`
	Title      string     `json:"title,omitempty"`
	Similarity float64    `json:"similarity"`
	Class      MatchClass `json:"class"`
}
