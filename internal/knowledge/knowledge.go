// Package knowledge fetches, tags and budgets knowledge-base context for
// model calls.
package knowledge

import (
	"context"
	"regexp"
	"sort"
	"time"
)

// Chunk is one retrieved knowledge-base passage.
type Chunk struct {
	ID          string     `json:"id" yaml:"id" cbor:"1,keyasint"`
	Text        string     `json:"text" yaml:"text" cbor:"2,keyasint"`
	Score       float64    `json:"score" yaml:"score" cbor:"3,keyasint"`
	SourceURL   string     `json:"source_url" yaml:"source_url" cbor:"4,keyasint"`
	Title       string     `json:"title,omitempty" yaml:"title,omitempty" cbor:"5,keyasint,omitempty"`
	Tags        []string   `json:"tags,omitempty" yaml:"tags,omitempty" cbor:"6,keyasint,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty" yaml:"published_at,omitempty" cbor:"7,keyasint,omitempty"`
}

// Retriever is the knowledge retrieval boundary.
type Retriever interface {
	Search(ctx context.Context, query string, limit int, scoreThreshold float64) ([]Chunk, error)
}

var citationRE = regexp.MustCompile(`\[KB#([A-Za-z0-9_.:\-]+)\]`)

// Tag returns the provenance tag for a chunk id.
func Tag(id string) string {
	return "[KB#" + id + "]"
}

// Citations extracts the unique chunk ids cited in text, in first-seen order.
func Citations(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range citationRE.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// sortChunks orders chunks by score descending, then id.
func sortChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ID < chunks[j].ID
	})
}
