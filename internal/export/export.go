// Package export renders a session's persisted results as reports. Nothing
// here calls a model; a report is derived from stored findings and claims.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
)

// Format names an export encoding.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatHTML     Format = "html"
	FormatXLSX     Format = "xlsx"
)

// ErrUnknownFormat is returned for a format name this package cannot render.
var ErrUnknownFormat = eris.New("export: unknown format")

// ParseFormat resolves a format name. "md" and "yml" are accepted aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "html":
		return FormatHTML, nil
	case "xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Wrapf(ErrUnknownFormat, "%q", s)
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/markdown; charset=utf-8"
	}
}

// Extension is the file extension for f, without the dot.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// Reader is the read side of the session store an export needs.
type Reader interface {
	GetSession(ctx context.Context, id string) (*model.ResearchSession, error)
	ListFindings(ctx context.Context, sessionID string) ([]model.Finding, error)
	ListClaims(ctx context.Context, sessionID string) ([]model.Claim, error)
}

// Citation is one numbered entry of a report's source list.
type Citation struct {
	Index int    `json:"index" yaml:"index"`
	URL   string `json:"url" yaml:"url"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// ClaimEntry is a claim as it appears in a report. Citations index into
// Report.Citations.
type ClaimEntry struct {
	ID          string           `json:"id" yaml:"id"`
	Iteration   int              `json:"iteration" yaml:"iteration"`
	Text        string           `json:"text" yaml:"text"`
	Confidence  float64          `json:"confidence" yaml:"confidence"`
	Entailment  float64          `json:"entailment_score" yaml:"entailment_score"`
	Provenance  float64          `json:"provenance_score" yaml:"provenance_score"`
	Fingerprint string           `json:"dedupe_fingerprint" yaml:"dedupe_fingerprint"`
	Verified    bool             `json:"verified" yaml:"verified"`
	Citations   []int            `json:"citations,omitempty" yaml:"citations,omitempty"`
	Evidence    []model.Evidence `json:"evidence,omitempty" yaml:"-"`
}

// FindingEntry is a finding as it appears in a report.
type FindingEntry struct {
	ID         string   `json:"id" yaml:"id"`
	Iteration  int      `json:"iteration" yaml:"iteration"`
	Type       string   `json:"type" yaml:"type"`
	Content    string   `json:"content" yaml:"content"`
	Confidence float64  `json:"confidence" yaml:"confidence"`
	Sources    []string `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Report is the format-independent view of a session's results.
type Report struct {
	SessionID         string              `json:"session_id" yaml:"session_id"`
	Query             string              `json:"query" yaml:"query"`
	Status            model.SessionStatus `json:"status" yaml:"status"`
	Reason            string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	EarlyTermination  bool                `json:"early_termination" yaml:"early_termination"`
	ParentSessionID   string              `json:"parent_session_id,omitempty" yaml:"parent_session_id,omitempty"`
	Totals            model.Totals        `json:"totals" yaml:"totals"`
	ConfidenceScore   *float64            `json:"confidence_score,omitempty" yaml:"confidence_score,omitempty"`
	CompletenessScore *float64            `json:"completeness_score,omitempty" yaml:"completeness_score,omitempty"`
	Synthesis         string              `json:"synthesis" yaml:"synthesis"`
	// FindingsOnly is set when the session has no claims and the report
	// falls back to finding text.
	FindingsOnly bool           `json:"findings_only" yaml:"findings_only"`
	Verified     []ClaimEntry   `json:"verified_claims" yaml:"verified_claims"`
	Unverified   []ClaimEntry   `json:"unverified_claims" yaml:"unverified_claims"`
	Findings     []FindingEntry `json:"findings" yaml:"findings"`
	Citations    []Citation     `json:"citations" yaml:"citations"`
	GeneratedAt  time.Time      `json:"generated_at" yaml:"generated_at"`
}

// Exporter builds and renders reports from a store.
type Exporter struct {
	store Reader
	now   func() time.Time
}

// New creates an Exporter reading from r.
func New(r Reader) *Exporter {
	return &Exporter{store: r, now: time.Now}
}

// Build loads a session's artifacts and assembles its report.
func (e *Exporter) Build(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "export: get session")
	}
	findings, err := e.store.ListFindings(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "export: list findings")
	}
	claims, err := e.store.ListClaims(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "export: list claims")
	}
	rep := assemble(sess, findings, claims)
	rep.GeneratedAt = e.now().UTC()
	return rep, nil
}

// Export renders a session's report in format f.
func (e *Exporter) Export(ctx context.Context, sessionID string, f Format) ([]byte, error) {
	rep, err := e.Build(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := Write(&buf, rep, f); err != nil {
		return nil, err
	}
	zap.L().Debug("export: rendered report",
		zap.String("session_id", sessionID),
		zap.String("format", string(f)),
		zap.Int("bytes", buf.Len()),
		zap.Bool("findings_only", rep.FindingsOnly),
	)
	return buf.Bytes(), nil
}

// Write renders rep to w in format f.
func Write(w io.Writer, rep *Report, f Format) error {
	switch f {
	case FormatMarkdown:
		_, err := io.WriteString(w, Markdown(rep))
		return eris.Wrap(err, "export: write markdown")
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(rep), "export: encode json")
	case FormatYAML:
		return writeYAML(w, rep)
	case FormatHTML:
		return writeHTML(w, rep)
	case FormatXLSX:
		return writeXLSX(w, rep)
	}
	return eris.Wrapf(ErrUnknownFormat, "%q", f)
}

func assemble(sess *model.ResearchSession, findings []model.Finding, claims []model.Claim) *Report {
	rep := &Report{
		SessionID:         sess.ID,
		Query:             sess.Query,
		Status:            sess.Status,
		Reason:            sess.Reason,
		EarlyTermination:  sess.EarlyTermination,
		ParentSessionID:   sess.ParentSessionID,
		Totals:            sess.Totals,
		ConfidenceScore:   sess.ConfidenceScore,
		CompletenessScore: sess.CompletenessScore,
		Synthesis:         sess.FinalSynthesis,
		FindingsOnly:      len(claims) == 0,
		Verified:          []ClaimEntry{},
		Unverified:        []ClaimEntry{},
		Citations:         []Citation{},
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Iteration < findings[j].Iteration })
	rep.Findings = make([]FindingEntry, 0, len(findings))
	var latest string
	for _, f := range findings {
		rep.Findings = append(rep.Findings, FindingEntry{
			ID:         f.ID,
			Iteration:  f.Iteration,
			Type:       f.FindingType,
			Content:    f.Content,
			Confidence: f.Confidence,
			Sources:    f.Sources,
		})
		if f.FindingType == model.FindingTypeSynthesis {
			latest = f.Content
		}
	}
	// A running session has no final synthesis yet; show the latest one.
	if rep.Synthesis == "" {
		rep.Synthesis = latest
	}

	cites := newCitationIndex()
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].Iteration < claims[j].Iteration })
	for _, c := range claims {
		entry := ClaimEntry{
			ID:          c.ID,
			Iteration:   c.Iteration,
			Text:        c.ClaimText,
			Confidence:  c.Confidence,
			Entailment:  c.EntailmentScore,
			Provenance:  c.ProvenanceScore,
			Fingerprint: c.DedupeFingerprint,
			Evidence:    c.Evidence,
		}
		if c.Verified && len(c.Evidence) > 0 {
			entry.Verified = true
			for _, ev := range c.Evidence {
				entry.Citations = appendUnique(entry.Citations, cites.add(ev.URL, ev.Title))
			}
			rep.Verified = append(rep.Verified, entry)
			continue
		}
		rep.Unverified = append(rep.Unverified, entry)
	}

	if rep.FindingsOnly {
		for _, f := range findings {
			for _, src := range f.Sources {
				cites.add(src, "")
			}
		}
	}
	rep.Citations = cites.list
	return rep
}

type citationIndex struct {
	byURL map[string]int
	list  []Citation
}

func newCitationIndex() *citationIndex {
	return &citationIndex{byURL: make(map[string]int), list: []Citation{}}
}

func (c *citationIndex) add(url, title string) int {
	if idx, ok := c.byURL[url]; ok {
		if title != "" && c.list[idx-1].Title == "" {
			c.list[idx-1].Title = title
		}
		return idx
	}
	idx := len(c.list) + 1
	c.byURL[url] = idx
	c.list = append(c.list, Citation{Index: idx, URL: url, Title: title})
	return idx
}

func appendUnique(xs []int, x int) []int {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
