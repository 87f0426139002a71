package export

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"
)

// Markdown renders rep as a structured text report with a numbered source list.
func Markdown(rep *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", oneLine(rep.Query))
	fmt.Fprintf(&b, "- **Session:** `%s`\n", rep.SessionID)
	fmt.Fprintf(&b, "- **Status:** %s", rep.Status)
	if rep.Reason != "" {
		fmt.Fprintf(&b, " (%s)", rep.Reason)
	}
	b.WriteString("\n")
	if rep.EarlyTermination {
		b.WriteString("- **Stopped early:** yes\n")
	}
	if rep.ParentSessionID != "" {
		fmt.Fprintf(&b, "- **Follows:** `%s`\n", rep.ParentSessionID)
	}
	fmt.Fprintf(&b, "- **Iterations:** %d\n", rep.Totals.Iterations)
	fmt.Fprintf(&b, "- **Sources:** %d\n", rep.Totals.Sources)
	fmt.Fprintf(&b, "- **Cost:** $%.4f\n", rep.Totals.CostUSD)
	if rep.ConfidenceScore != nil {
		fmt.Fprintf(&b, "- **Confidence:** %.2f\n", *rep.ConfidenceScore)
	}
	if rep.CompletenessScore != nil {
		fmt.Fprintf(&b, "- **Completeness:** %.2f\n", *rep.CompletenessScore)
	}

	b.WriteString("\n## Synthesis\n\n")
	if rep.Synthesis == "" {
		b.WriteString("_No synthesis was produced._\n")
	} else {
		b.WriteString(strings.TrimSpace(rep.Synthesis))
		b.WriteString("\n")
	}

	if rep.FindingsOnly {
		writeFindings(&b, rep.Findings)
	} else {
		writeClaims(&b, "Verified claims", rep.Verified, true)
		writeClaims(&b, "Unverified claims", rep.Unverified, false)
	}

	if len(rep.Citations) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, c := range rep.Citations {
			if c.Title != "" {
				fmt.Fprintf(&b, "%d. %s: %s\n", c.Index, oneLine(c.Title), c.URL)
			} else {
				fmt.Fprintf(&b, "%d. %s\n", c.Index, c.URL)
			}
		}
	}
	return b.String()
}

func writeClaims(b *strings.Builder, heading string, claims []ClaimEntry, cited bool) {
	if len(claims) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for i, c := range claims {
		fmt.Fprintf(b, "%d. %s", i+1, oneLine(c.Text))
		if cited {
			for _, idx := range c.Citations {
				fmt.Fprintf(b, " [%d]", idx)
			}
		}
		fmt.Fprintf(b, " _(confidence %.2f, iteration %d)_\n", c.Confidence, c.Iteration)
	}
}

func writeFindings(b *strings.Builder, findings []FindingEntry) {
	if len(findings) == 0 {
		return
	}
	b.WriteString("\n## Findings\n")
	iter := -1
	for _, f := range findings {
		if f.Iteration != iter {
			iter = f.Iteration
			fmt.Fprintf(b, "\n### Iteration %d\n\n", iter)
		}
		fmt.Fprintf(b, "- **%s:** %s\n", f.Type, oneLine(f.Content))
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeYAML(w io.Writer, rep *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return eris.Wrap(err, "export: encode yaml")
	}
	return eris.Wrap(enc.Close(), "export: close yaml encoder")
}

func writeHTML(w io.Writer, rep *Report) error {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(rep)), &body); err != nil {
		return eris.Wrap(err, "export: render html")
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n%s</body>\n</html>\n",
		html.EscapeString(oneLine(rep.Query)), body.String())
	return eris.Wrap(err, "export: write html")
}

// Sheet names of the xlsx export.
const (
	SheetFindings = "Findings"
	SheetClaims   = "Claims"
	SheetEvidence = "Evidence"
)

func writeXLSX(w io.Writer, rep *Report) error {
	f := xlsx.NewFile()

	findings, err := addSheet(f, SheetFindings, "ID", "Iteration", "Type", "Confidence", "Sources", "Content")
	if err != nil {
		return err
	}
	for _, fd := range rep.Findings {
		row := findings.AddRow()
		row.AddCell().SetString(fd.ID)
		row.AddCell().SetInt(fd.Iteration)
		row.AddCell().SetString(fd.Type)
		row.AddCell().SetFloat(fd.Confidence)
		row.AddCell().SetString(strings.Join(fd.Sources, ", "))
		row.AddCell().SetString(fd.Content)
	}

	claims, err := addSheet(f, SheetClaims, "ID", "Iteration", "Claim", "Confidence", "Entailment", "Provenance", "Verified", "Citations", "Fingerprint")
	if err != nil {
		return err
	}
	evidence, err := addSheet(f, SheetEvidence, "Claim ID", "URL", "Title", "Quote")
	if err != nil {
		return err
	}
	for _, group := range [][]ClaimEntry{rep.Verified, rep.Unverified} {
		for _, c := range group {
			row := claims.AddRow()
			row.AddCell().SetString(c.ID)
			row.AddCell().SetInt(c.Iteration)
			row.AddCell().SetString(c.Text)
			row.AddCell().SetFloat(c.Confidence)
			row.AddCell().SetFloat(c.Entailment)
			row.AddCell().SetFloat(c.Provenance)
			row.AddCell().SetBool(c.Verified)
			row.AddCell().SetString(joinInts(c.Citations))
			row.AddCell().SetString(c.Fingerprint)

			for _, ev := range c.Evidence {
				er := evidence.AddRow()
				er.AddCell().SetString(c.ID)
				er.AddCell().SetString(ev.URL)
				er.AddCell().SetString(ev.Title)
				er.AddCell().SetString(ev.Quote)
			}
		}
	}

	return eris.Wrap(f.Write(w), "export: write xlsx")
}

func addSheet(f *xlsx.File, name string, header ...string) (*xlsx.Sheet, error) {
	sheet, err := f.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "export: add sheet %s", name)
	}
	row := sheet.AddRow()
	for _, h := range header {
		row.AddCell().SetString(h)
	}
	return sheet, nil
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
