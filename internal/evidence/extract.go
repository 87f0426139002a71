// Package evidence turns finding text into atomic claims backed by verbatim
// quotes from the knowledge chunks they cite.
package evidence

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/model"
)

const (
	// minClaimWords drops fragments too short to be a verifiable statement.
	minClaimWords = 5
	// minQuoteOverlap is the token overlap a chunk sentence needs to count as support.
	minQuoteOverlap = 0.2
	// VerifyThreshold is the entailment score a claim with evidence needs to be verified.
	VerifyThreshold = 0.5
)

var citationTag = regexp.MustCompile(`\[KB#[^\]]*\]`)

var listMarker = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)]|#+)\s+`)

// span is a sentence with its rune offsets in the source text.
type span struct {
	Text  string
	Start int
	End   int
}

// sentences splits text on terminal punctuation followed by whitespace and
// on line breaks. Offsets are in runes.
func sentences(text string) []span {
	var out []span
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		raw := string(runes[start:end])
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			lead := utf8.RuneCountInString(raw[:strings.Index(raw, trimmed)])
			s := start + lead
			out = append(out, span{Text: trimmed, Start: s, End: s + utf8.RuneCountInString(trimmed)})
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i + 1)
		case r == '.' || r == '!' || r == '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	if start < len(runes) {
		flush(len(runes))
	}
	return out
}

// claimText strips citation tags and list markup from a sentence.
func claimText(sentence string) string {
	s := citationTag.ReplaceAllString(sentence, "")
	s = listMarker.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	s = strings.NewReplacer(" .", ".", " ,", ",", " ;", ";").Replace(s)
	return strings.TrimSpace(s)
}

func isClaim(text string) bool {
	if strings.HasSuffix(text, "?") || strings.HasSuffix(text, ":") {
		return false
	}
	return len(strings.Fields(text)) >= minClaimWords
}

// overlap is the fraction of the claim's distinct tokens found in candidate.
func overlap(claim map[string]bool, candidate string) float64 {
	if len(claim) == 0 {
		return 0
	}
	hits := 0
	seen := make(map[string]bool)
	for _, t := range tokens(candidate) {
		if claim[t] && !seen[t] {
			seen[t] = true
			hits++
		}
	}
	return float64(hits) / float64(len(claim))
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokens(s) {
		out[t] = true
	}
	return out
}

// quote finds the chunk sentence that best supports the claim.
func quote(claim map[string]bool, c knowledge.Chunk) (span, float64) {
	var best span
	bestScore := 0.0
	for _, s := range sentences(c.Text) {
		if score := overlap(claim, s.Text); score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, bestScore
}

// Extract splits a finding into claims. Each sentence citing chunks is
// checked against those chunks; uncited sentences are checked against every
// source of the finding. Sentences without verbatim support are kept with a
// zero provenance score rather than dropped.
func Extract(f model.Finding, sources []knowledge.Chunk) []model.Claim {
	byID := make(map[string]knowledge.Chunk, len(sources))
	for _, c := range sources {
		byID[c.ID] = c
	}

	now := time.Now().UTC()
	var claims []model.Claim
	for _, s := range sentences(f.Content) {
		text := claimText(s.Text)
		if !isClaim(text) {
			continue
		}

		cited := knowledge.Citations(s.Text)
		if len(cited) == 0 {
			cited = f.Sources
		}

		claim := model.Claim{
			ID:                uuid.NewString(),
			SessionID:         f.SessionID,
			FindingID:         f.ID,
			Iteration:         f.Iteration,
			ClaimText:         text,
			DedupeFingerprint: Fingerprint(text),
			CreatedAt:         now,
		}

		want := tokenSet(text)
		supported := 0
		for _, id := range cited {
			c, ok := byID[id]
			if !ok {
				continue
			}
			q, score := quote(want, c)
			if score < minQuoteOverlap {
				continue
			}
			supported++
			if score > claim.EntailmentScore {
				claim.EntailmentScore = score
			}
			start, end := q.Start, q.End
			claim.Evidence = append(claim.Evidence, model.Evidence{
				ID:          uuid.NewString(),
				ClaimID:     claim.ID,
				URL:         sourceURL(c),
				Title:       c.Title,
				Quote:       q.Text,
				StartOffset: &start,
				EndOffset:   &end,
			})
		}
		if len(cited) > 0 {
			claim.ProvenanceScore = float64(supported) / float64(len(cited))
		}
		claim.Confidence = (claim.EntailmentScore + claim.ProvenanceScore) / 2
		claim.Verified = len(claim.Evidence) > 0 && claim.EntailmentScore >= VerifyThreshold
		claims = append(claims, claim)
	}
	return claims
}

func sourceURL(c knowledge.Chunk) string {
	if c.SourceURL != "" {
		return c.SourceURL
	}
	return "kb://" + c.ID
}

// Themes returns the distinct fingerprints among claims, in first-seen order.
func Themes(claims []model.Claim) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range claims {
		if !seen[c.DedupeFingerprint] {
			seen[c.DedupeFingerprint] = true
			out = append(out, c.DedupeFingerprint)
		}
	}
	return out
}

// Verified filters claims down to those that may be surfaced as verified.
func Verified(claims []model.Claim) []model.Claim {
	var out []model.Claim
	for _, c := range claims {
		if c.Verified && len(c.Evidence) > 0 {
			out = append(out, c)
		}
	}
	return out
}
