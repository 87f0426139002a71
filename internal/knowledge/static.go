package knowledge

import (
	"context"
	"strings"
	"unicode"
)

// StaticRetriever ranks an in-memory corpus by query-term overlap. It backs
// offline runs and tests.
type StaticRetriever struct {
	chunks []Chunk
}

// NewStaticRetriever creates a retriever over chunks.
func NewStaticRetriever(chunks []Chunk) *StaticRetriever {
	return &StaticRetriever{chunks: chunks}
}

// Search implements Retriever. The score is the fraction of distinct query
// terms present in the chunk.
func (s *StaticRetriever) Search(_ context.Context, query string, limit int, scoreThreshold float64) ([]Chunk, error) {
	terms := terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []Chunk
	for _, c := range s.chunks {
		have := make(map[string]bool)
		for _, t := range termList(c.Title + " " + c.Text) {
			have[t] = true
		}
		hits := 0
		for t := range terms {
			if have[t] {
				hits++
			}
		}
		score := float64(hits) / float64(len(terms))
		if hits == 0 || score < scoreThreshold {
			continue
		}
		c.Score = score
		out = append(out, c)
	}

	sortChunks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func termList(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func terms(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range termList(s) {
		if len(t) > 2 {
			out[t] = true
		}
	}
	return out
}
