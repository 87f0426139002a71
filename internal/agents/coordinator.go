// Package agents runs one iteration's multi-agent pattern: proposers in
// parallel or in sequence, then a judge that reconciles them.
package agents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-engine/internal/budget"
	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/llm"
	"github.com/sells-group/research-engine/internal/metrics"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

// Roles.
const (
	RoleProposer = "proposer"
	RolePro      = "pro"
	RoleCon      = "con"
	RoleJudge    = "judge"
)

// maxParallel caps concurrent proposal calls regardless of K.
const maxParallel = 5

// ContextSource supplies budgeted knowledge context.
type ContextSource interface {
	FetchContext(ctx context.Context, sessionID, query string, view knowledge.ContextView) knowledge.Context
}

// Task is the input to one iteration.
type Task struct {
	SessionID string
	Iteration int
	Query     string
	// Summary is what the session already knows, most recent last.
	Summary string
	Config  model.SessionConfig
	// Stop is closed on a graceful cancel. No new call starts once it is closed.
	Stop <-chan struct{}
}

// Proposal is one successful proposer output.
type Proposal struct {
	Role      string
	Text      string
	Citations []string
}

// Result is the outcome of one pattern run. It is returned alongside any
// error so the calls already made can still be audited.
type Result struct {
	Proposals []Proposal
	Verdict   string
	// CitationsUsed is the sorted, de-duplicated set of chunk ids cited by
	// the proposals and the verdict.
	CitationsUsed []string
	Lost          int
	Calls         []model.ModelCall
	// Contexts holds every knowledge context fetched, proposer view first.
	Contexts []knowledge.Context
	// Overflows are the prompt components that exceeded their slice.
	Overflows []budget.Allocation
}

// Searches counts the contexts that required a retrieval call.
func (r *Result) Searches() int {
	n := 0
	for _, c := range r.Contexts {
		if c.Searched {
			n++
		}
	}
	return n
}

// Chunks returns the distinct chunks across all fetched contexts.
func (r *Result) Chunks() []knowledge.Chunk {
	seen := make(map[string]bool)
	var out []knowledge.Chunk
	for _, c := range r.Contexts {
		for _, ch := range c.Chunks {
			if !seen[ch.ID] {
				seen[ch.ID] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

// Options tune the coordinator.
type Options struct {
	// JudgeBackoff is the delay before the first judge retry.
	JudgeBackoff time.Duration
}

// Coordinator executes interaction patterns over an Invoker.
type Coordinator struct {
	invoker llm.Invoker
	context ContextSource
	budgets budget.Budgets
	opts    Options
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(inv llm.Invoker, src ContextSource, budgets budget.Budgets, opts Options) *Coordinator {
	if opts.JudgeBackoff <= 0 {
		opts.JudgeBackoff = time.Second
	}
	return &Coordinator{invoker: inv, context: src, budgets: budgets, opts: opts}
}

// run carries the per-iteration state shared by proposers and judge.
type run struct {
	c    *Coordinator
	task Task
	log  *zap.Logger

	mu  sync.Mutex
	res *Result
}

// Run executes task.Config.Pattern.
func (c *Coordinator) Run(ctx context.Context, task Task) (*Result, error) {
	r := &run{
		c:    c,
		task: task,
		res:  &Result{},
		log: zap.L().With(
			zap.String("session_id", task.SessionID),
			zap.Int("iteration", task.Iteration),
			zap.String("pattern", string(task.Config.Pattern)),
		),
	}

	proposerTier := budget.Tier(task.Config.ProposerTier)
	judgeTier := budget.Tier(task.Config.JudgeTier)
	pmb, err := c.budgets.Get(proposerTier)
	if err != nil {
		return r.res, eris.Wrap(err, "agents: proposer tier")
	}
	jmb, err := c.budgets.Get(judgeTier)
	if err != nil {
		return r.res, eris.Wrap(err, "agents: judge tier")
	}

	switch task.Config.Pattern {
	case model.PatternCouncil:
		n := task.Config.ProposerCount
		if n < 1 {
			n = 1
		}
		roles := make([]string, n)
		for i := range roles {
			roles[i] = RoleProposer
		}
		err = r.parallel(ctx, pmb, roles)
	case model.PatternDebate:
		err = r.parallel(ctx, pmb, []string{RolePro, RoleCon})
	case model.PatternPipeline:
		err = r.pipeline(ctx, pmb)
	default:
		err = eris.Errorf("agents: unknown pattern %q", task.Config.Pattern)
	}
	if err != nil {
		return r.res, err
	}

	if len(r.res.Proposals) == 0 {
		return r.res, eris.Wrapf(model.ErrNoProposals, "agents: all %d proposals failed", r.res.Lost)
	}

	if err := r.judge(ctx, jmb); err != nil {
		return r.res, err
	}

	r.res.CitationsUsed = citationSet(r.res)
	return r.res, nil
}

// stopped reports whether a new call may not start.
func (r *run) stopped(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(model.ErrCancelled, "agents: context done")
	}
	if r.task.Stop != nil {
		select {
		case <-r.task.Stop:
			return eris.Wrap(model.ErrCancelled, "agents: cancel requested")
		default:
		}
	}
	return nil
}

func (r *run) fetch(ctx context.Context, view knowledge.ContextView) knowledge.Context {
	kc := r.c.context.FetchContext(ctx, r.task.SessionID, r.task.Query, view)
	r.mu.Lock()
	r.res.Contexts = append(r.res.Contexts, kc)
	r.mu.Unlock()
	return kc
}

func (r *run) taskText() string {
	return taskPrompt(r.task.Query, r.task.Iteration)
}

// fit applies the tier budget, logging and counting overflowing components.
func (r *run) fit(mb budget.ModelBudget, role string, texts []budget.NamedText) (string, string) {
	res := budget.Fit(mb, texts)
	for _, a := range res.Allocations {
		if !a.Overflow {
			continue
		}
		metrics.BudgetOverflows.WithLabelValues(string(mb.Tier), string(a.Component)).Inc()
		r.log.Warn("agents: prompt component over budget, trimming",
			zap.String("tier", string(mb.Tier)),
			zap.String("role", role),
			zap.String("component", string(a.Component)),
			zap.Int("allocated_tokens", a.AllocatedTokens),
			zap.Int("actual_tokens", a.ActualTokens),
		)
		r.mu.Lock()
		r.res.Overflows = append(r.res.Overflows, a)
		r.mu.Unlock()
	}
	return render(res.Texts)
}

// call makes one invocation under the per-call timeout and records it.
func (r *run) call(ctx context.Context, mb budget.ModelBudget, decision, role, system, user string) (*llm.Result, error) {
	if t := r.task.Config.CallTimeoutSeconds; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}
	res, err := r.c.invoker.Invoke(ctx, llm.Request{
		Tier:      mb.Tier,
		System:    system,
		User:      user,
		MaxTokens: mb.OutputBudget,
	})
	rec := record(r.task, mb, decision, role, res, err)
	r.mu.Lock()
	r.res.Calls = append(r.res.Calls, rec)
	r.mu.Unlock()
	return res, err
}

func record(task Task, mb budget.ModelBudget, decision, role string, res *llm.Result, err error) model.ModelCall {
	mc := model.ModelCall{
		ID:           uuid.NewString(),
		SessionID:    task.SessionID,
		Iteration:    task.Iteration,
		Model:        mb.Model,
		DecisionType: decision,
		Role:         role,
		Tier:         string(mb.Tier),
		Success:      err == nil,
		CreatedAt:    time.Now().UTC(),
	}
	if res != nil {
		if res.Model != "" {
			mc.Model = res.Model
		}
		mc.PromptTokens = res.Usage.PromptTokens
		mc.CompletionTokens = res.Usage.CompletionTokens
		mc.CostUSD = res.CostUSD
		mc.LatencyMs = res.LatencyMs
	}
	var ie *llm.InvokeError
	if errors.As(err, &ie) {
		if ie.Model != "" {
			mc.Model = ie.Model
		}
		mc.PromptTokens = ie.Usage.PromptTokens
		mc.CompletionTokens = ie.Usage.CompletionTokens
		mc.CostUSD = ie.CostUSD
		mc.LatencyMs = ie.LatencyMs
		mc.ErrorKind = string(ie.Kind)
	} else if err != nil {
		mc.ErrorKind = string(llm.KindUnavailable)
		if errors.Is(err, context.DeadlineExceeded) {
			mc.ErrorKind = string(llm.KindTimeout)
		}
	}
	return mc
}

func (r *run) lose(role string, err error) {
	metrics.ProposalsLost.Inc()
	r.log.Warn("agents: proposal failed, continuing without it",
		zap.String("role", role),
		zap.Error(err),
	)
	r.mu.Lock()
	r.res.Lost++
	r.mu.Unlock()
}

// parallel runs one proposal per role concurrently. A failed proposal never
// aborts its siblings.
func (r *run) parallel(ctx context.Context, mb budget.ModelBudget, roles []string) error {
	if err := r.stopped(ctx); err != nil {
		return err
	}
	kc := r.fetch(ctx, knowledge.ProposerView(mb.Components.Knowledge, r.task.Config.ProposerAllowTags))

	out := make([]*Proposal, len(roles))
	g := new(errgroup.Group)
	g.SetLimit(min(len(roles), maxParallel))
	for i, role := range roles {
		g.Go(func() error {
			if err := r.stopped(ctx); err != nil {
				return nil
			}
			system, user := r.fit(mb, role, []budget.NamedText{
				{Component: budget.SystemPrompt, Text: systemFor(role)},
				{Component: budget.Task, Text: r.taskText()},
				{Component: budget.Summary, Text: r.task.Summary},
				{Component: budget.Knowledge, Text: kc.Text},
			})
			res, err := r.call(ctx, mb, model.DecisionProposal, role, system, user)
			if err != nil {
				r.lose(role, err)
				return nil
			}
			out[i] = &Proposal{Role: role, Text: res.Text, Citations: knowledge.Citations(res.Text)}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range out {
		if p != nil {
			r.res.Proposals = append(r.res.Proposals, *p)
		}
	}
	return r.stopped(ctx)
}

// pipeline runs stages in order, each refining the last successful output.
// A failed stage is skipped and the previous output flows on.
func (r *run) pipeline(ctx context.Context, mb budget.ModelBudget) error {
	stages := r.task.Config.PipelineStages
	if len(stages) == 0 {
		stages = []string{"research"}
	}
	if err := r.stopped(ctx); err != nil {
		return err
	}
	kc := r.fetch(ctx, knowledge.ProposerView(mb.Components.Knowledge, r.task.Config.ProposerAllowTags))

	prev := ""
	for _, stage := range stages {
		if err := r.stopped(ctx); err != nil {
			return err
		}
		role := "stage:" + stage
		system, user := r.fit(mb, role, []budget.NamedText{
			{Component: budget.SystemPrompt, Text: stageSystemPrompt(stage)},
			{Component: budget.Task, Text: r.taskText()},
			{Component: budget.Summary, Text: r.task.Summary},
			{Component: budget.Knowledge, Text: kc.Text},
			{Component: budget.Proposals, Text: prev},
		})
		res, err := r.call(ctx, mb, model.DecisionStage, role, system, user)
		if err != nil {
			r.lose(role, err)
			continue
		}
		prev = res.Text
		r.res.Proposals = append(r.res.Proposals, Proposal{Role: role, Text: res.Text, Citations: knowledge.Citations(res.Text)})
	}
	return nil
}

// judge reconciles the proposals against the full knowledge view. Retries
// reuse the prompt assembled for the first attempt.
func (r *run) judge(ctx context.Context, mb budget.ModelBudget) error {
	if err := r.stopped(ctx); err != nil {
		return err
	}
	kc := r.fetch(ctx, knowledge.JudgeView(mb.Components.Knowledge))

	var cited []string
	seen := make(map[string]bool)
	for _, p := range r.res.Proposals {
		for _, id := range p.Citations {
			if !seen[id] {
				seen[id] = true
				cited = append(cited, id)
			}
		}
	}

	system, user := r.fit(mb, RoleJudge, []budget.NamedText{
		{Component: budget.SystemPrompt, Text: judgeSystem},
		{Component: budget.Task, Text: r.taskText()},
		{Component: budget.Summary, Text: r.task.Summary},
		{Component: budget.Knowledge, Text: kc.Text},
		{Component: budget.Proposals, Text: formatProposals(r.res.Proposals, cited)},
	})

	policy := resilience.Policy{
		Attempts:   r.task.Config.JudgeRetries + 1,
		Backoff:    r.c.opts.JudgeBackoff,
		MaxBackoff: 8 * r.c.opts.JudgeBackoff,
		Jitter:     0.1,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && r.stopped(ctx) == nil
		},
		OnRetry: resilience.RetryLogger("agents", "judge"),
	}
	res, err := resilience.Retry(ctx, policy, func(ctx context.Context, _ int) (*llm.Result, error) {
		if err := r.stopped(ctx); err != nil {
			return nil, err
		}
		return r.call(ctx, mb, model.DecisionJudge, RoleJudge, system, user)
	})
	if err != nil {
		if errors.Is(err, model.ErrCancelled) {
			return err
		}
		return eris.Wrapf(model.ErrJudgeFailure, "agents: judge failed after %d attempts: %v", policy.Attempts, err)
	}
	r.res.Verdict = res.Text
	return nil
}

func systemFor(role string) string {
	switch role {
	case RolePro:
		return proSystem
	case RoleCon:
		return conSystem
	}
	return proposerSystem
}

func citationSet(res *Result) []string {
	seen := make(map[string]bool)
	for _, p := range res.Proposals {
		for _, id := range p.Citations {
			seen[id] = true
		}
	}
	for _, id := range knowledge.Citations(res.Verdict) {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
