package agents

import (
	"fmt"
	"strings"

	"github.com/sells-group/research-engine/internal/budget"
	"github.com/sells-group/research-engine/internal/knowledge"
)

const proposerSystem = `You are an independent research analyst. Work only from the knowledge provided
and your own reasoning. Cite every factual statement with the tag of the chunk it came
from, written exactly as it appears (for example [KB#123]). State one fact per sentence.
Say plainly when the knowledge does not answer part of the question.`

const proSystem = `You are the PRO side of a structured research debate. Build the strongest
evidence-backed case FOR the most plausible answer to the question. Cite every factual
statement with its chunk tag (for example [KB#123]). State one fact per sentence.`

const conSystem = `You are the CON side of a structured research debate. Build the strongest
evidence-backed case AGAINST the most plausible answer: gaps, contrary evidence, weak
sources. Cite every factual statement with its chunk tag (for example [KB#123]).
State one fact per sentence.`

const stageSystem = `You are the %s stage of a research pipeline. Improve on the previous stage's
output using the knowledge provided. Keep every chunk tag (for example [KB#123]) attached
to the facts it supports and cite any new fact the same way. State one fact per sentence.`

const judgeSystem = `You are the lead researcher adjudicating independent analyses of one question.
Reconcile them against the full knowledge provided: keep what the evidence supports, drop
what it does not, and resolve disagreements explicitly. Write the synthesis as plain
sentences, one fact per sentence, each cited with the chunk tags that support it
(for example [KB#123]). Close with the open questions that remain.`

const taskTemplate = `Research question: %s

Iteration %d. Extend and correct what is already known; do not repeat it verbatim.`

func taskPrompt(query string, iteration int) string {
	return fmt.Sprintf(taskTemplate, query, iteration)
}

func stageSystemPrompt(stage string) string {
	return fmt.Sprintf(stageSystem, stage)
}

// section headings used in the user prompt, keyed by component.
var headings = map[budget.Component]string{
	budget.Task:      "## Task",
	budget.Summary:   "## Known so far",
	budget.Knowledge: "## Knowledge",
	budget.Proposals: "## Analyses to reconcile",
}

// render joins the fitted components into a user prompt. The system prompt
// component is returned separately.
func render(texts []budget.NamedText) (system, user string) {
	var b strings.Builder
	for _, t := range texts {
		if t.Component == budget.SystemPrompt {
			system = t.Text
			continue
		}
		body := strings.TrimSpace(t.Text)
		if body == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(headings[t.Component])
		b.WriteString("\n")
		b.WriteString(body)
	}
	return system, b.String()
}

// formatProposals lays out proposals for the judge, followed by the
// de-duplicated set of chunk tags they cite.
func formatProposals(proposals []Proposal, citations []string) string {
	var b strings.Builder
	for i, p := range proposals {
		fmt.Fprintf(&b, "### Analysis %d (%s)\n%s\n\n", i+1, p.Role, strings.TrimSpace(p.Text))
	}
	if len(citations) > 0 {
		tags := make([]string, len(citations))
		for i, id := range citations {
			tags[i] = knowledge.Tag(id)
		}
		b.WriteString("Cited chunks: " + strings.Join(tags, " "))
	}
	return b.String()
}
