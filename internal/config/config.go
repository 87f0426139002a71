package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/research-engine/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Local      LocalConfig             `yaml:"local" mapstructure:"local"`
	Tiers      map[string]TierConfig   `yaml:"tiers" mapstructure:"tiers"`
	Engine     EngineConfig            `yaml:"engine" mapstructure:"engine"`
	Saturation SaturationConfig        `yaml:"saturation" mapstructure:"saturation"`
	Confidence model.ConfidenceWeights `yaml:"confidence" mapstructure:"confidence"`
	Ledger     LedgerConfig            `yaml:"ledger" mapstructure:"ledger"`
	Knowledge  KnowledgeConfig         `yaml:"knowledge" mapstructure:"knowledge"`
	Progress   ProgressConfig          `yaml:"progress" mapstructure:"progress"`
	Retention  RetentionConfig         `yaml:"retention" mapstructure:"retention"`
	Temporal   TemporalConfig          `yaml:"temporal" mapstructure:"temporal"`
	Pricing    PricingConfig           `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LocalConfig points at an OpenAI-compatible inference server (llama.cpp,
// vLLM, Ollama) used for the local tier.
type LocalConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
}

// TierConfig describes one model tier and its token budget.
type TierConfig struct {
	Backend      string           `yaml:"backend" mapstructure:"backend"`
	Model        string           `yaml:"model" mapstructure:"model"`
	TotalContext int              `yaml:"total_context" mapstructure:"total_context"`
	PromptBudget int              `yaml:"prompt_budget" mapstructure:"prompt_budget"`
	OutputBudget int              `yaml:"output_budget" mapstructure:"output_budget"`
	Components   ComponentsConfig `yaml:"components" mapstructure:"components"`
	TimeoutSecs  int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec   float64          `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// ComponentsConfig holds the per-component prompt allocations of a tier.
type ComponentsConfig struct {
	SystemPrompt int `yaml:"system_prompt" mapstructure:"system_prompt"`
	Task         int `yaml:"task" mapstructure:"task"`
	Knowledge    int `yaml:"knowledge" mapstructure:"knowledge"`
	Proposals    int `yaml:"proposals" mapstructure:"proposals"`
	Summary      int `yaml:"summary" mapstructure:"summary"`
}

// Sum is the total prompt allocation across components.
func (c ComponentsConfig) Sum() int {
	return c.SystemPrompt + c.Task + c.Knowledge + c.Proposals + c.Summary
}

// EngineConfig holds session defaults and engine-wide knobs.
type EngineConfig struct {
	Pattern               string   `yaml:"pattern" mapstructure:"pattern"`
	ProposerCount         int      `yaml:"proposer_count" mapstructure:"proposer_count"`
	PipelineStages        []string `yaml:"pipeline_stages" mapstructure:"pipeline_stages"`
	ProposerTier          string   `yaml:"proposer_tier" mapstructure:"proposer_tier"`
	JudgeTier             string   `yaml:"judge_tier" mapstructure:"judge_tier"`
	MaxIterations         int      `yaml:"max_iterations" mapstructure:"max_iterations"`
	MinIterations         int      `yaml:"min_iterations" mapstructure:"min_iterations"`
	BudgetUSD             float64  `yaml:"budget_usd" mapstructure:"budget_usd"`
	MaxExternalCalls      int      `yaml:"max_external_calls" mapstructure:"max_external_calls"`
	JudgeRetries          int      `yaml:"judge_retries" mapstructure:"judge_retries"`
	CallTimeoutSecs       int      `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	CancelMode            string   `yaml:"cancel_mode" mapstructure:"cancel_mode"`
	MaxConcurrentSessions int      `yaml:"max_concurrent_sessions" mapstructure:"max_concurrent_sessions"`
	// Runner selects where session loops run: "local" in the serving
	// process, or "temporal" on durable workers.
	Runner string `yaml:"runner" mapstructure:"runner"`
}

// SaturationConfig configures novelty-based stopping.
type SaturationConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	Streak    int     `yaml:"streak" mapstructure:"streak"`
}

// LedgerConfig configures the global spend ledger.
type LedgerConfig struct {
	Driver      string  `yaml:"driver" mapstructure:"driver"`
	RedisURL    string  `yaml:"redis_url" mapstructure:"redis_url"`
	DailyCapUSD float64 `yaml:"daily_cap_usd" mapstructure:"daily_cap_usd"`
}

// KnowledgeConfig configures knowledge-base retrieval.
type KnowledgeConfig struct {
	Driver          string  `yaml:"driver" mapstructure:"driver"`
	DatabaseURL     string  `yaml:"database_url" mapstructure:"database_url"`
	Limit           int     `yaml:"limit" mapstructure:"limit"`
	ScoreThreshold  float64 `yaml:"score_threshold" mapstructure:"score_threshold"`
	CacheTTLMinutes int     `yaml:"cache_ttl_minutes" mapstructure:"cache_ttl_minutes"`
	// ChunksPath is the JSON or YAML chunk file loaded by the static driver.
	ChunksPath string `yaml:"chunks_path" mapstructure:"chunks_path"`
}

// ProgressConfig selects the progress broker.
type ProgressConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// RetentionConfig configures checkpoint GC and session archival.
type RetentionConfig struct {
	KeepCheckpoints   int `yaml:"keep_checkpoints" mapstructure:"keep_checkpoints"`
	ArchiveAfterHours int `yaml:"archive_after_hours" mapstructure:"archive_after_hours"`
	GCIntervalMins    int `yaml:"gc_interval_mins" mapstructure:"gc_interval_mins"`
}

// TemporalConfig configures the durable workflow runner.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// PricingConfig holds per-backend pricing overrides. Models absent here use
// the built-in rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Local     map[string]ModelPricing `yaml:"local" mapstructure:"local"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("local.base_url", "http://localhost:8000/v1")

	v.SetDefault("tiers", map[string]any{
		"local": map[string]any{
			"backend":       "openai",
			"model":         "qwen2.5-14b-instruct",
			"total_context": 8192,
			"prompt_budget": 6144,
			"output_budget": 2048,
			"timeout_secs":  120,
			"rate_per_sec":  2,
			"components": map[string]any{
				"system_prompt": 600, "task": 800, "knowledge": 3200, "proposals": 0, "summary": 800,
			},
		},
		"fast": map[string]any{
			"backend":       "anthropic",
			"model":         "claude-haiku-4-5-20251001",
			"total_context": 200000,
			"prompt_budget": 48000,
			"output_budget": 4096,
			"timeout_secs":  90,
			"rate_per_sec":  5,
			"components": map[string]any{
				"system_prompt": 2000, "task": 4000, "knowledge": 24000, "proposals": 0, "summary": 6000,
			},
		},
		"deep": map[string]any{
			"backend":       "anthropic",
			"model":         "claude-sonnet-4-5-20250929",
			"total_context": 200000,
			"prompt_budget": 120000,
			"output_budget": 8192,
			"timeout_secs":  180,
			"rate_per_sec":  2,
			"components": map[string]any{
				"system_prompt": 4000, "task": 6000, "knowledge": 64000, "proposals": 32000, "summary": 10000,
			},
		},
	})

	v.SetDefault("engine.pattern", string(model.PatternCouncil))
	v.SetDefault("engine.proposer_count", 3)
	v.SetDefault("engine.pipeline_stages", []string{"research", "critique"})
	v.SetDefault("engine.proposer_tier", "fast")
	v.SetDefault("engine.judge_tier", "deep")
	v.SetDefault("engine.max_iterations", 8)
	v.SetDefault("engine.min_iterations", 2)
	v.SetDefault("engine.budget_usd", 2.00)
	v.SetDefault("engine.max_external_calls", 200)
	v.SetDefault("engine.judge_retries", 2)
	v.SetDefault("engine.call_timeout_secs", 120)
	v.SetDefault("engine.cancel_mode", "graceful")
	v.SetDefault("engine.max_concurrent_sessions", 4)
	v.SetDefault("engine.runner", "local")

	v.SetDefault("saturation.threshold", 0.05)
	v.SetDefault("saturation.streak", 3)

	weights := model.EqualWeights()
	v.SetDefault("confidence.source_quality", weights.SourceQuality)
	v.SetDefault("confidence.consensus", weights.Consensus)
	v.SetDefault("confidence.recency", weights.Recency)
	v.SetDefault("confidence.evidence_strength", weights.EvidenceStrength)
	v.SetDefault("confidence.verification", weights.Verification)

	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.daily_cap_usd", 50.0)
	v.SetDefault("knowledge.driver", "postgres")
	v.SetDefault("knowledge.limit", 20)
	v.SetDefault("knowledge.score_threshold", 0.05)
	v.SetDefault("knowledge.cache_ttl_minutes", 120)
	v.SetDefault("progress.driver", "memory")
	v.SetDefault("retention.keep_checkpoints", 20)
	v.SetDefault("retention.archive_after_hours", 24*30)
	v.SetDefault("retention.gc_interval_mins", 60)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "research-sessions")
}

// SessionDefaults builds the default SessionConfig from engine, saturation
// and confidence settings.
func (c *Config) SessionDefaults() model.SessionConfig {
	return model.SessionConfig{
		Pattern:            model.Pattern(c.Engine.Pattern),
		ProposerCount:      c.Engine.ProposerCount,
		PipelineStages:     append([]string(nil), c.Engine.PipelineStages...),
		ProposerTier:       c.Engine.ProposerTier,
		JudgeTier:          c.Engine.JudgeTier,
		MaxIterations:      c.Engine.MaxIterations,
		MinIterations:      c.Engine.MinIterations,
		BudgetUSD:          c.Engine.BudgetUSD,
		MaxExternalCalls:   c.Engine.MaxExternalCalls,
		NoveltyThreshold:   c.Saturation.Threshold,
		SaturationStreak:   c.Saturation.Streak,
		KnowledgeLimit:     c.Knowledge.Limit,
		KnowledgeMinScore:  c.Knowledge.ScoreThreshold,
		ConfidenceWeights:  c.Confidence,
		JudgeRetries:       c.Engine.JudgeRetries,
		CallTimeoutSeconds: c.Engine.CallTimeoutSecs,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate checks the keys required by the given command mode.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve", "worker":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		errs = append(errs, c.validateTiers()...)
		errs = append(errs, c.validateEngine()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if (mode == "worker" || c.Engine.Runner == "temporal") && c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Engine.Runner != "local" && c.Engine.Runner != "temporal" {
			errs = append(errs, "engine.runner must be local or temporal")
		}
		switch c.Knowledge.Driver {
		case "postgres":
		case "static":
			if c.Knowledge.ChunksPath == "" {
				errs = append(errs, "knowledge.chunks_path is required for the static driver")
			}
		default:
			errs = append(errs, "knowledge.driver must be postgres or static")
		}
	case "migrate", "gc", "export", "sessions", "checkpoints":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "kb":
		if c.Knowledge.Driver != "postgres" {
			errs = append(errs, "knowledge.driver must be postgres to ingest")
		}
		if c.Knowledge.DatabaseURL == "" && c.Store.DatabaseURL == "" {
			errs = append(errs, "knowledge.database_url or store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateTiers() []string {
	var errs []string
	needsAnthropic := false
	for name, tier := range c.Tiers {
		switch tier.Backend {
		case "anthropic":
			needsAnthropic = true
		case "openai":
		default:
			errs = append(errs, "tiers."+name+".backend must be anthropic or openai")
		}
		if tier.PromptBudget <= 0 || tier.PromptBudget+tier.OutputBudget > tier.TotalContext {
			errs = append(errs, "tiers."+name+" prompt_budget + output_budget must fit total_context")
		}
		if sum := tier.Components.Sum(); sum > tier.PromptBudget {
			errs = append(errs, fmt.Sprintf("tiers.%s components (%d) must fit prompt_budget (%d)", name, sum, tier.PromptBudget))
		}
	}
	for _, name := range []string{c.Engine.ProposerTier, c.Engine.JudgeTier} {
		if _, ok := c.Tiers[name]; !ok {
			errs = append(errs, "tiers."+name+" is not configured")
		}
	}
	if needsAnthropic && c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	return errs
}

func (c *Config) validateEngine() []string {
	var errs []string
	if !model.Pattern(c.Engine.Pattern).Valid() {
		errs = append(errs, "engine.pattern must be pipeline, council or debate")
	}
	if c.Engine.ProposerCount < 1 || c.Engine.ProposerCount > 5 {
		errs = append(errs, "engine.proposer_count must be between 1 and 5")
	}
	if c.Engine.MaxIterations < 1 {
		errs = append(errs, "engine.max_iterations must be >= 1")
	}
	if c.Engine.MinIterations > c.Engine.MaxIterations {
		errs = append(errs, "engine.min_iterations must be <= max_iterations")
	}
	if c.Engine.CancelMode != "graceful" && c.Engine.CancelMode != "hard" {
		errs = append(errs, "engine.cancel_mode must be graceful or hard")
	}
	if c.Engine.MaxConcurrentSessions < 1 {
		errs = append(errs, "engine.max_concurrent_sessions must be >= 1")
	}
	if c.Saturation.Threshold < 0 || c.Saturation.Threshold > 1 {
		errs = append(errs, "saturation.threshold must be between 0 and 1")
	}
	if c.Saturation.Streak < 1 {
		errs = append(errs, "saturation.streak must be >= 1")
	}
	w := c.Confidence
	if w.SourceQuality < 0 || w.Consensus < 0 || w.Recency < 0 || w.EvidenceStrength < 0 || w.Verification < 0 {
		errs = append(errs, "confidence weights must be >= 0")
	} else if w.Sum() == 0 {
		errs = append(errs, "confidence weights must not all be zero")
	}
	return errs
}
