package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/agents"
	"github.com/sells-group/research-engine/internal/budget"
	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/cost"
	"github.com/sells-group/research-engine/internal/db"
	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/llm"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/session"
	"github.com/sells-group/research-engine/internal/store"
	anthropicpkg "github.com/sells-group/research-engine/pkg/anthropic"
)

// engineEnv holds everything a command needs to run iterations. Callers
// should defer env.Close().
type engineEnv struct {
	Store       store.Store
	Checkpoints *checkpoint.Manager
	Assembler   *knowledge.Assembler
	Broker      progress.Broker
	Engine      *session.Engine

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *engineEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the session store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEngine builds the session engine and its dependencies for mode.
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, Checkpoints: checkpoint.NewManager(st)}

	retriever, closeRetriever, err := initRetriever(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeRetriever)

	led, closeLedger, err := initLedger(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeLedger)

	broker, closeBroker, err := initBroker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeBroker)
	env.Broker = broker

	budgets := budget.FromConfig(cfg.Tiers)
	ttl := time.Duration(cfg.Knowledge.CacheTTLMinutes) * time.Minute
	env.Assembler = knowledge.NewAssembler(retriever, cfg.Knowledge.Limit, cfg.Knowledge.ScoreThreshold, ttl)
	router := llm.NewRouter(budgets, initBackends(), cost.NewCalculator(pricingRates(cfg.Pricing)))
	coord := agents.NewCoordinator(router, env.Assembler, budgets, agents.Options{})

	env.Engine = session.NewEngine(session.Deps{
		Store:       st,
		Checkpoints: env.Checkpoints,
		Coordinator: coord,
		Cache:       env.Assembler,
		Ledger:      led,
		Broker:      broker,
	})

	zap.L().Info("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("knowledge", cfg.Knowledge.Driver),
		zap.String("ledger", cfg.Ledger.Driver),
		zap.String("progress", cfg.Progress.Driver),
		zap.Int("tiers", len(budgets)),
	)
	return env, nil
}

// initRetriever selects the knowledge retriever. The postgres driver shares
// the store's pool unless knowledge.database_url points elsewhere.
func initRetriever(ctx context.Context, st store.Store) (knowledge.Retriever, func(), error) {
	switch cfg.Knowledge.Driver {
	case "static":
		chunks, err := knowledge.LoadChunksFromFile(cfg.Knowledge.ChunksPath)
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("static knowledge base loaded", zap.Int("chunks", len(chunks)))
		return knowledge.NewStaticRetriever(chunks), func() {}, nil
	case "postgres":
		r, closeFn, err := postgresRetriever(ctx, st)
		if err != nil {
			return nil, nil, err
		}
		if err := r.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		return r, closeFn, nil
	default:
		return nil, nil, eris.Errorf("unsupported knowledge driver: %s", cfg.Knowledge.Driver)
	}
}

func postgresRetriever(ctx context.Context, st store.Store) (*knowledge.PostgresRetriever, func(), error) {
	if cfg.Knowledge.DatabaseURL == "" {
		if ps, ok := st.(*store.PostgresStore); ok {
			zap.L().Info("knowledge retriever using shared database pool")
			return knowledge.NewPostgresRetriever(ps.Pool()), func() {}, nil
		}
		return nil, nil, eris.New("knowledge.database_url is required when the store is not postgres")
	}
	pool, err := db.Connect(ctx, cfg.Knowledge.DatabaseURL, db.PoolConfig{MaxConns: cfg.Store.MaxConns})
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect knowledge database")
	}
	return knowledge.NewPostgresRetriever(pool), pool.Close, nil
}

func initLedger(ctx context.Context) (ledger.Ledger, func(), error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemory(cfg.Ledger.DailyCapUSD), func() {}, nil
	case "redis":
		client, err := ledger.Dial(ctx, cfg.Ledger.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewRedis(client, cfg.Ledger.DailyCapUSD), closeRedis(client), nil
	default:
		return nil, nil, eris.Errorf("unsupported ledger driver: %s", cfg.Ledger.Driver)
	}
}

func initBroker(ctx context.Context) (progress.Broker, func(), error) {
	switch cfg.Progress.Driver {
	case "", "memory":
		return progress.NewMemoryBroker(), func() {}, nil
	case "redis":
		client, err := ledger.Dial(ctx, cfg.Progress.RedisURL)
		if err != nil {
			return nil, nil, eris.Wrap(err, "progress broker")
		}
		return progress.NewRedisBroker(client), closeRedis(client), nil
	default:
		return nil, nil, eris.Errorf("unsupported progress driver: %s", cfg.Progress.Driver)
	}
}

func closeRedis(c *redis.Client) func() {
	return func() {
		if err := c.Close(); err != nil {
			zap.L().Warn("close redis client", zap.Error(err))
		}
	}
}

// initBackends creates the model backends referenced by tier configuration.
func initBackends() map[string]llm.Backend {
	backends := map[string]llm.Backend{
		cost.BackendOpenAI: llm.NewOpenAIBackend(cfg.Local.BaseURL, cfg.Local.Key),
	}
	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
		backends[cost.BackendAnthropic] = llm.NewAnthropicBackend(client, "5m")
	} else {
		zap.L().Debug("RESEARCH_ANTHROPIC_KEY not set, anthropic tiers disabled")
	}
	return backends
}

// pricingRates applies configured per-model prices over the built-in rates.
func pricingRates(p config.PricingConfig) cost.Rates {
	conv := func(in map[string]config.ModelPricing) map[string]cost.ModelRate {
		out := make(map[string]cost.ModelRate, len(in))
		for model, mp := range in {
			out[model] = cost.ModelRate{Input: mp.Input, Output: mp.Output}
		}
		return out
	}
	return cost.DefaultRates().Override(conv(p.Anthropic), conv(p.Local))
}
