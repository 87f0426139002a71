package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "council", cfg.Engine.Pattern)
	assert.Equal(t, 3, cfg.Engine.ProposerCount)
	assert.Equal(t, "graceful", cfg.Engine.CancelMode)
	assert.InDelta(t, 0.05, cfg.Saturation.Threshold, 0.0001)
	assert.Equal(t, 3, cfg.Saturation.Streak)
	assert.Equal(t, model.EqualWeights(), cfg.Confidence)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, 20, cfg.Retention.KeepCheckpoints)
	assert.Equal(t, "research-sessions", cfg.Temporal.TaskQueue)

	require.Contains(t, cfg.Tiers, "deep")
	deep := cfg.Tiers["deep"]
	assert.Equal(t, "anthropic", deep.Backend)
	assert.Equal(t, 120000, deep.PromptBudget)
	assert.Equal(t, 4000, deep.Components.SystemPrompt)
	assert.Equal(t, "openai", cfg.Tiers["local"].Backend)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
engine:
  pattern: debate
  max_iterations: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debate", cfg.Engine.Pattern)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Engine.ProposerCount)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RESEARCH_STORE_DRIVER", "postgres")
	t.Setenv("RESEARCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RESEARCH_LEDGER_DAILY_CAP_USD=12.5\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("RESEARCH_LEDGER_DAILY_CAP_USD") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, cfg.Ledger.DailyCapUSD, 0.0001)
}

func TestSessionDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	sc := cfg.SessionDefaults()
	assert.Equal(t, model.PatternCouncil, sc.Pattern)
	assert.Equal(t, "fast", sc.ProposerTier)
	assert.Equal(t, "deep", sc.JudgeTier)
	assert.Equal(t, 3, sc.SaturationStreak)
	assert.InDelta(t, 1.0, sc.ConfidenceWeights.Sum(), 0.0001)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Tiers = map[string]TierConfig{
		"fast": {Backend: "anthropic", TotalContext: 200000, PromptBudget: 48000, OutputBudget: 4096},
		"deep": {Backend: "anthropic", TotalContext: 200000, PromptBudget: 120000, OutputBudget: 8192},
	}
	cfg.Engine = EngineConfig{
		Pattern:               "council",
		ProposerCount:         3,
		ProposerTier:          "fast",
		JudgeTier:             "deep",
		MaxIterations:         5,
		MinIterations:         1,
		CancelMode:            "graceful",
		MaxConcurrentSessions: 2,
		Runner:                "local",
	}
	cfg.Knowledge.Driver = "postgres"
	cfg.Saturation = SaturationConfig{Threshold: 0.05, Streak: 3}
	cfg.Confidence = model.EqualWeights()
	cfg.Server.Port = 8080
	cfg.Temporal.HostPort = "localhost:7233"
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("run"))
	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateRun_SQLiteNeedsNoURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_LocalTierNeedsNoKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Tiers = map[string]TierConfig{
		"fast": {Backend: "openai", TotalContext: 8192, PromptBudget: 6144, OutputBudget: 2048},
		"deep": {Backend: "openai", TotalContext: 8192, PromptBudget: 6144, OutputBudget: 2048},
	}

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateTiers(t *testing.T) {
	cfg := validDefaults()
	cfg.Tiers["deep"] = TierConfig{Backend: "anthropic", TotalContext: 1000, PromptBudget: 900, OutputBudget: 200}

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tiers.deep prompt_budget + output_budget must fit total_context")

	cfg = validDefaults()
	cfg.Engine.JudgeTier = "huge"
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tiers.huge is not configured")

	cfg = validDefaults()
	cfg.Tiers["fast"] = TierConfig{Backend: "bedrock", TotalContext: 10, PromptBudget: 5}
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend must be anthropic or openai")
}

func TestValidateEngineBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"pattern", func(c *Config) { c.Engine.Pattern = "swarm" }, "engine.pattern"},
		{"proposers low", func(c *Config) { c.Engine.ProposerCount = 0 }, "proposer_count must be between 1 and 5"},
		{"proposers high", func(c *Config) { c.Engine.ProposerCount = 6 }, "proposer_count must be between 1 and 5"},
		{"min over max", func(c *Config) { c.Engine.MinIterations = 9 }, "min_iterations must be <= max_iterations"},
		{"cancel mode", func(c *Config) { c.Engine.CancelMode = "soft" }, "cancel_mode"},
		{"threshold", func(c *Config) { c.Saturation.Threshold = 1.5 }, "saturation.threshold"},
		{"streak", func(c *Config) { c.Saturation.Streak = 0 }, "saturation.streak"},
		{"negative weight", func(c *Config) { c.Confidence.Recency = -0.1 }, "confidence weights must be >= 0"},
		{"zero weights", func(c *Config) { c.Confidence = model.ConfidenceWeights{} }, "must not all be zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("run")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateWorker_NoTemporal(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.HostPort = ""

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port is required")
}

func TestValidateRunner(t *testing.T) {
	cfg := validDefaults()
	cfg.Engine.Runner = "cron"
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.runner must be local or temporal")

	cfg.Engine.Runner = "temporal"
	cfg.Temporal.HostPort = ""
	err = cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port is required")
}

func TestValidateKnowledgeDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Knowledge.Driver = "static"
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "knowledge.chunks_path is required")

	cfg.Knowledge.ChunksPath = "testdata/chunks.json"
	assert.NoError(t, cfg.Validate("run"))
	require.Error(t, cfg.Validate("kb"), "ingest needs the postgres driver")

	cfg.Knowledge.Driver = "postgres"
	assert.NoError(t, cfg.Validate("kb"))
}

func TestValidateTierComponentsWithinPromptBudget(t *testing.T) {
	cfg := validDefaults()
	fast := cfg.Tiers["fast"]
	fast.Components = ComponentsConfig{SystemPrompt: 2000, Task: 4000, Knowledge: 24000, Summary: 6000}
	cfg.Tiers["fast"] = fast
	require.NoError(t, cfg.Validate("run"))

	fast.Components.Knowledge = 60000
	cfg.Tiers["fast"] = fast
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tiers.fast components (72000) must fit prompt_budget (48000)")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
