package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/research-engine/internal/budget"
	"github.com/sells-group/research-engine/internal/cost"
	"github.com/sells-group/research-engine/internal/metrics"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/pkg/anthropic"
)

// ErrEmptyResponse is returned by a backend that answered without content.
var ErrEmptyResponse = eris.New("llm: empty response")

// Router implements Invoker by dispatching each tier to its backend.
type Router struct {
	budgets  budget.Budgets
	backends map[string]Backend
	breakers *resilience.Breakers
	limiters map[budget.Tier]*rate.Limiter
	calc     *cost.Calculator
	now      func() time.Time
}

// NewRouter creates a Router. backends is keyed by backend name
// ("anthropic", "openai") as referenced from tier configuration.
func NewRouter(budgets budget.Budgets, backends map[string]Backend, calc *cost.Calculator) *Router {
	limiters := make(map[budget.Tier]*rate.Limiter, len(budgets))
	for tier, mb := range budgets {
		if mb.RatePerSec > 0 {
			burst := int(mb.RatePerSec)
			if burst < 1 {
				burst = 1
			}
			limiters[tier] = rate.NewLimiter(rate.Limit(mb.RatePerSec), burst)
		}
	}

	bcfg := resilience.DefaultBreakerConfig()
	bcfg.Trips = func(err error) bool {
		var ie *InvokeError
		return errors.As(err, &ie) && (ie.Kind == KindUnavailable || ie.Kind == KindTimeout)
	}

	return &Router{
		budgets:  budgets,
		backends: backends,
		breakers: resilience.NewBreakers(bcfg),
		limiters: limiters,
		calc:     calc,
		now:      time.Now,
	}
}

// Breakers exposes the per-tier circuit breakers for health reporting.
func (r *Router) Breakers() *resilience.Breakers { return r.breakers }

// Invoke implements Invoker. Every failure is returned as *InvokeError.
func (r *Router) Invoke(ctx context.Context, req Request) (*Result, error) {
	mb, err := r.budgets.Get(req.Tier)
	if err != nil {
		return nil, &InvokeError{Kind: KindUnavailable, Err: err}
	}
	backend, ok := r.backends[mb.Backend]
	if !ok {
		return nil, &InvokeError{Kind: KindUnavailable, Model: mb.Model, Err: eris.Errorf("llm: no backend %q for tier %s", mb.Backend, req.Tier)}
	}

	if mb.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mb.Timeout)
		defer cancel()
	}

	if lim, ok := r.limiters[req.Tier]; ok {
		if err := lim.Wait(ctx); err != nil {
			return nil, r.fail(req.Tier, &InvokeError{Kind: classify(ctx, err), Model: mb.Model, Err: err})
		}
	}

	if req.MaxTokens <= 0 || (mb.OutputBudget > 0 && req.MaxTokens > mb.OutputBudget) {
		req.MaxTokens = mb.OutputBudget
	}

	start := r.now()
	comp, err := resilience.Call(ctx, r.breakers.Get(string(req.Tier)), func(ctx context.Context) (*Completion, error) {
		comp, err := backend.Complete(ctx, mb.Model, req)
		if err == nil && strings.TrimSpace(comp.Text) == "" {
			err = ErrEmptyResponse
		}
		if err != nil {
			ie := &InvokeError{Kind: classify(ctx, err), Model: mb.Model, Err: err}
			if comp != nil {
				ie.Usage = comp.Usage
				ie.CostUSD = r.price(mb, comp)
			}
			return nil, ie
		}
		return comp, nil
	})
	latency := r.now().Sub(start)
	metrics.ModelLatency.WithLabelValues(string(req.Tier)).Observe(latency.Seconds())

	if err != nil {
		var ie *InvokeError
		if !errors.As(err, &ie) {
			ie = &InvokeError{Kind: KindUnavailable, Model: mb.Model, Err: err}
		}
		ie.LatencyMs = latency.Milliseconds()
		return nil, r.fail(req.Tier, ie)
	}

	res := &Result{
		Text:      comp.Text,
		Model:     comp.Model,
		Usage:     comp.Usage,
		CostUSD:   r.price(mb, comp),
		LatencyMs: latency.Milliseconds(),
	}
	metrics.ModelCostUSD.WithLabelValues(string(req.Tier)).Add(res.CostUSD)

	zap.L().Debug("llm: invocation complete",
		zap.String("tier", string(req.Tier)),
		zap.String("model", res.Model),
		zap.Int64("prompt_tokens", res.Usage.PromptTokens),
		zap.Int64("completion_tokens", res.Usage.CompletionTokens),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int64("latency_ms", res.LatencyMs),
	)
	return res, nil
}

func (r *Router) price(mb budget.ModelBudget, comp *Completion) float64 {
	if r.calc == nil {
		return 0
	}
	model := mb.Model
	if mb.Backend == cost.BackendAnthropic {
		return r.calc.Claude(model, comp.Usage.PromptTokens, comp.Usage.CompletionTokens, comp.CacheWrite, comp.CacheRead)
	}
	return r.calc.Tokens(mb.Backend, model, comp.Usage.PromptTokens, comp.Usage.CompletionTokens)
}

func (r *Router) fail(tier budget.Tier, ie *InvokeError) error {
	metrics.ModelErrors.WithLabelValues(string(tier), string(ie.Kind)).Inc()
	if ie.CostUSD > 0 {
		metrics.ModelCostUSD.WithLabelValues(string(tier)).Add(ie.CostUSD)
	}
	zap.L().Warn("llm: invocation failed",
		zap.String("tier", string(tier)),
		zap.String("kind", string(ie.Kind)),
		zap.Error(ie.Err),
	)
	return ie
}

// classify maps a backend error to an ErrorKind.
func classify(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, ErrEmptyResponse) {
		return KindInvalidResponse
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return KindUnavailable
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	status := 0
	var aErr *anthropic.APIError
	var oErr *openai.Error
	switch {
	case errors.As(err, &aErr):
		status = aErr.StatusCode
	case errors.As(err, &oErr):
		status = oErr.StatusCode
	}
	if status != 0 {
		switch {
		case status == http.StatusTooManyRequests:
			return KindRateLimited
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return KindTimeout
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
			return KindInvalidResponse
		default:
			return KindUnavailable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}
