// Package corpus provides read-only nearest-neighbor access to the existing
// detection-rule corpus. The index is built by a separate process; the
// pipeline only reads it.
package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Entry is one corpus rule with its precomputed embedding.
type Entry struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Rule   string    `json:"rule"`
	Vector []float32 `json:"vector"`
}

// Neighbor is one nearest-neighbor result.
type Neighbor struct {
	EntryID    string  `json:"entry_id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// Index answers nearest-neighbor queries over the corpus.
type Index interface {
	Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
}

// MemoryIndex holds the full corpus in memory and scans it with cosine
// similarity. Corpora are thousands of rules, not millions, so a linear scan
// is fine and keeps the index trivially safe for concurrent readers.
type MemoryIndex struct {
	entries []Entry
}

// NewMemoryIndex builds an index over the given entries.
func NewMemoryIndex(entries []Entry) *MemoryIndex {
	return &MemoryIndex{entries: entries}
}

// Nearest returns the k entries most similar to vec, highest first. Ties
// break on entry ID so results are stable.
func (idx *MemoryIndex) Nearest(_ context.Context, vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	neighbors := make([]Neighbor, 0, len(idx.entries))
	for _, e := range idx.entries {
		neighbors = append(neighbors, Neighbor{
			EntryID:    e.ID,
			Title:      e.Title,
			Similarity: Cosine(vec, e.Vector),
		})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].EntryID < neighbors[j].EntryID
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Len returns the number of indexed entries.
func (idx *MemoryIndex) Len() int { return len(idx.entries) }

// Cosine computes cosine similarity between two vectors. Mismatched or
// zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Load reads all corpus entries from the sqlite database at path and returns
// an in-memory index over them.
func Load(ctx context.Context, path string) (*MemoryIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "corpus: open")
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT id, title, rule, vector FROM corpus_entries ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "corpus: query entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var vecJSON string
		if err := rows.Scan(&e.ID, &e.Title, &e.Rule, &vecJSON); err != nil {
			return nil, eris.Wrap(err, "corpus: scan entry")
		}
		if err := json.Unmarshal([]byte(vecJSON), &e.Vector); err != nil {
			return nil, eris.Wrapf(err, "corpus: unmarshal vector for %s", e.ID)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "corpus: iterate entries")
	}

	return NewMemoryIndex(entries), nil
}
