package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/budget"
	"github.com/sells-group/research-engine/internal/metrics"
)

// Visibility controls which chunks a view may see.
type Visibility int

const (
	// Filtered restricts chunks to the view's AllowTags, if any.
	Filtered Visibility = iota
	// Full exposes every retrieved chunk.
	Full
)

func (v Visibility) String() string {
	if v == Full {
		return "full"
	}
	return "filtered"
}

// ContextView is the capability a caller holds over the knowledge base.
type ContextView struct {
	Role         string
	Visibility   Visibility
	AllowTags    []string
	BudgetTokens int
}

// ProposerView returns a filtered view.
func ProposerView(budgetTokens int, allowTags []string) ContextView {
	return ContextView{Role: "proposer", Visibility: Filtered, AllowTags: allowTags, BudgetTokens: budgetTokens}
}

// JudgeView returns the full, untagged-filter view.
func JudgeView(budgetTokens int) ContextView {
	return ContextView{Role: "judge", Visibility: Full, BudgetTokens: budgetTokens}
}

func (v ContextView) allows(c Chunk) bool {
	if v.Visibility == Full || len(v.AllowTags) == 0 {
		return true
	}
	for _, want := range v.AllowTags {
		for _, have := range c.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Context is assembled, tagged and budgeted knowledge text.
type Context struct {
	Text               string
	IncludedChunkCount int
	TotalChunkCount    int
	// Chunks are the chunks whose tag appears in Text.
	Chunks []Chunk
	// Searched is set when a retrieval call was made rather than served from cache.
	Searched bool
	// Degraded is set when retrieval failed and the context is empty.
	Degraded bool
}

// Assembler builds budgeted context. Results are memoized per session so
// the same query, budget and view always yield the same text.
type Assembler struct {
	retriever Retriever
	limit     int
	minScore  float64
	cache     *cache.Cache
}

// NewAssembler creates an Assembler. ttl bounds how long a session's
// retrievals stay cached.
func NewAssembler(r Retriever, limit int, minScore float64, ttl time.Duration) *Assembler {
	return &Assembler{
		retriever: r,
		limit:     limit,
		minScore:  minScore,
		cache:     cache.New(ttl, ttl/4+time.Minute),
	}
}

func searchKey(sessionID, query string) string {
	return sessionID + "|search|" + query
}

func viewKey(sessionID, query string, v ContextView) string {
	return fmt.Sprintf("%s|view|%s|%d|%s|%s|%s", sessionID, query, v.BudgetTokens, v.Role, v.Visibility, strings.Join(v.AllowTags, ","))
}

// FetchContext returns tagged context for query within the view's budget.
// Retrieval failure yields an empty, degraded context rather than an error.
func (a *Assembler) FetchContext(ctx context.Context, sessionID, query string, view ContextView) Context {
	vk := viewKey(sessionID, query, view)
	if v, ok := a.cache.Get(vk); ok {
		out := v.(Context)
		out.Searched = false
		return out
	}

	chunks, searched, err := a.search(ctx, sessionID, query)
	if err != nil {
		metrics.KnowledgeSearches.WithLabelValues("error").Inc()
		zap.L().Warn("knowledge: retrieval failed, continuing with empty context",
			zap.String("session_id", sessionID),
			zap.String("role", view.Role),
			zap.Error(err),
		)
		return Context{Searched: searched, Degraded: true}
	}

	out := assemble(chunks, view)
	out.Searched = searched
	a.cache.SetDefault(vk, out)
	return out
}

func (a *Assembler) search(ctx context.Context, sessionID, query string) ([]Chunk, bool, error) {
	sk := searchKey(sessionID, query)
	if v, ok := a.cache.Get(sk); ok {
		metrics.KnowledgeSearches.WithLabelValues("hit").Inc()
		return v.([]Chunk), false, nil
	}

	chunks, err := a.retriever.Search(ctx, query, a.limit, a.minScore)
	if err != nil {
		return nil, true, err
	}
	metrics.KnowledgeSearches.WithLabelValues("miss").Inc()
	sortChunks(chunks)
	a.cache.SetDefault(sk, chunks)
	return chunks, true, nil
}

// minPartialTokens is the smallest remainder worth filling with a cut chunk.
const minPartialTokens = 32

func assemble(all []Chunk, view ContextView) Context {
	out := Context{TotalChunkCount: len(all)}
	if view.BudgetTokens <= 0 {
		return out
	}

	var b strings.Builder
	used := 0
	for _, c := range all {
		if !view.allows(c) {
			continue
		}
		block := formatChunk(c)
		cost := budget.EstimateTokens(block)
		remaining := view.BudgetTokens - used
		if cost > remaining {
			if remaining >= minPartialTokens {
				b.WriteString(budget.Trim(block, remaining, false))
				out.Chunks = append(out.Chunks, c)
			}
			break
		}
		b.WriteString(block)
		used += cost
		out.Chunks = append(out.Chunks, c)
	}

	out.Text = budget.Trim(strings.TrimRight(b.String(), "\n"), view.BudgetTokens, false)
	out.IncludedChunkCount = len(out.Chunks)
	return out
}

func formatChunk(c Chunk) string {
	var b strings.Builder
	b.WriteString(Tag(c.ID))
	if c.Title != "" {
		b.WriteString(" " + c.Title)
	}
	if c.SourceURL != "" {
		b.WriteString(" (" + c.SourceURL + ")")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(c.Text))
	b.WriteString("\n\n")
	return b.String()
}

// Lookup returns the cached chunks for the given ids within a session, in
// the order requested. Unknown ids are skipped.
func (a *Assembler) Lookup(sessionID string, ids []string) []Chunk {
	byID := make(map[string]Chunk)
	prefix := sessionID + "|search|"
	for k, item := range a.cache.Items() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		for _, c := range item.Object.([]Chunk) {
			byID[c.ID] = c
		}
	}
	var out []Chunk
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot exports a session's cached retrievals, keyed by query, for
// storage in a checkpoint.
func (a *Assembler) Snapshot(sessionID string) map[string][]Chunk {
	out := make(map[string][]Chunk)
	prefix := sessionID + "|search|"
	for k, item := range a.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = item.Object.([]Chunk)
		}
	}
	return out
}

// Seed restores a session's retrievals from a checkpoint so resumed
// iterations re-derive identical context without querying again.
func (a *Assembler) Seed(sessionID string, snapshot map[string][]Chunk) {
	for query, chunks := range snapshot {
		a.cache.SetDefault(searchKey(sessionID, query), chunks)
	}
}

// Forget drops everything cached for a session.
func (a *Assembler) Forget(sessionID string) {
	prefix := sessionID + "|"
	for k := range a.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			a.cache.Delete(k)
		}
	}
}
