package evidence

import (
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var fingerprintKey = [32]byte{
	'r', 'e', 's', 'e', 'a', 'r', 'c', 'h', '.', 'c', 'l', 'a', 'i', 'm', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "been": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "their": true, "this": true,
	"to": true, "was": true, "were": true, "which": true, "with": true,
}

var folder = cases.Fold()

// foldText strips diacritics and case-folds s.
func foldText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return folder.String(out)
}

// tokens returns the folded, punctuation-free words of s with stopwords
// and citation tags removed.
func tokens(s string) []string {
	s = citationTag.ReplaceAllString(s, " ")
	words := strings.FieldsFunc(foldText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// Normalize returns the canonical form of a claim: folded, stopword-free,
// unique tokens in sorted order. Restatements that differ only in case,
// accents, punctuation, word order or filler words normalize identically.
func Normalize(text string) string {
	seen := make(map[string]bool)
	var uniq []string
	for _, t := range tokens(text) {
		if !seen[t] {
			seen[t] = true
			uniq = append(uniq, t)
		}
	}
	sort.Strings(uniq)
	return strings.Join(uniq, " ")
}

// Fingerprint is the dedupe fingerprint of a claim text.
func Fingerprint(text string) string {
	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("evidence: blake3 keyed hash: " + err.Error())
	}
	_, _ = h.Write([]byte(Normalize(text)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
