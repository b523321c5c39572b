package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sigforge/sigforge/internal/model"
)

// Config is the versioned configuration snapshot controlling a run. It is
// loaded once at process start and passed by value into the orchestrator; a
// run's behavior is fixed even if the file changes mid-flight.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Models     ModelsConfig     `yaml:"models" mapstructure:"models"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" mapstructure:"embeddings"`
	Corpus     CorpusConfig     `yaml:"corpus" mapstructure:"corpus"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Promotion  PromotionConfig  `yaml:"promotion" mapstructure:"promotion"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// GatewayConfig controls the inference gateway layer: timeouts, transient
// retry, rate limiting, and the circuit breaker. Transient retries here never
// consume the validate-retry budget.
type GatewayConfig struct {
	RequestTimeoutSecs      int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxTransientRetries     int     `yaml:"max_transient_retries" mapstructure:"max_transient_retries"`
	RequestsPerSecond       float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// ModelsConfig binds a model to each LLM-backed stage.
type ModelsConfig struct {
	Rank       string `yaml:"rank" mapstructure:"rank"`
	Extract    string `yaml:"extract" mapstructure:"extract"`
	Synthesize string `yaml:"synthesize" mapstructure:"synthesize"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CorpusConfig locates the read-only detection corpus index.
type CorpusConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	Neighbors int    `yaml:"neighbors" mapstructure:"neighbors"`
}

// ScorerConfig points at an optional yaml file of supplementary gate
// keywords.
type ScorerConfig struct {
	KeywordsPath string `yaml:"keywords_path" mapstructure:"keywords_path"`
}

// AgentConfig controls one extraction sub-agent.
type AgentConfig struct {
	Enabled      bool `yaml:"enabled" mapstructure:"enabled"`
	QualityCheck bool `yaml:"quality_check" mapstructure:"quality_check"`
}

// PipelineConfig holds the thresholds and switches gating a run.
type PipelineConfig struct {
	ScoreGateThreshold float64                `yaml:"score_gate_threshold" mapstructure:"score_gate_threshold"`
	RankThreshold      float64                `yaml:"rank_threshold" mapstructure:"rank_threshold"`
	MaxValidateRetries int                    `yaml:"max_validate_retries" mapstructure:"max_validate_retries"`
	DuplicateThreshold float64                `yaml:"duplicate_threshold" mapstructure:"duplicate_threshold"`
	ExtendThreshold    float64                `yaml:"extend_threshold" mapstructure:"extend_threshold"`
	PromoteExtend      bool                   `yaml:"promote_extend" mapstructure:"promote_extend"`
	SynthesisFallback  bool                   `yaml:"synthesis_fallback" mapstructure:"synthesis_fallback"`
	SequentialExtract  bool                   `yaml:"sequential_extract" mapstructure:"sequential_extract"`
	Agents             map[string]AgentConfig `yaml:"agents" mapstructure:"agents"`
}

// PromotionConfig configures the review-queue webhook.
type PromotionConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// BatchConfig bounds concurrent runs.
type BatchConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background health checker run by the API
// server.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Agent returns the configuration for a category, defaulting to enabled
// without quality check when the category has no explicit entry.
func (p PipelineConfig) Agent(cat model.Category) AgentConfig {
	if a, ok := p.Agents[string(cat)]; ok {
		return a
	}
	return AgentConfig{Enabled: true}
}

// Validate checks that every threshold and model binding a run depends on is
// present. It runs before any external call; a failure here fails the run
// immediately.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.ScoreGateThreshold <= 0 {
		return eris.New("config: pipeline.score_gate_threshold must be set")
	}
	if p.RankThreshold <= 0 {
		return eris.New("config: pipeline.rank_threshold must be set")
	}
	if p.MaxValidateRetries <= 0 {
		return eris.New("config: pipeline.max_validate_retries must be set")
	}
	if p.DuplicateThreshold <= 0 || p.DuplicateThreshold > 1 {
		return eris.New("config: pipeline.duplicate_threshold must be in (0,1]")
	}
	if p.ExtendThreshold <= 0 || p.ExtendThreshold >= p.DuplicateThreshold {
		return eris.New("config: pipeline.extend_threshold must be in (0, duplicate_threshold)")
	}
	if c.Models.Rank == "" || c.Models.Extract == "" || c.Models.Synthesize == "" {
		return eris.New("config: models.rank, models.extract and models.synthesize must all be bound")
	}
	for name, a := range p.Agents {
		if _, known := agentNames[name]; !known {
			return eris.Errorf("config: unknown sub-agent %q", name)
		}
		if a.QualityCheck && !a.Enabled {
			return eris.Errorf("config: sub-agent %q has quality_check enabled but is disabled", name)
		}
	}
	return nil
}

var agentNames = func() map[string]struct{} {
	m := make(map[string]struct{}, len(model.CanonicalCategories))
	for _, c := range model.CanonicalCategories {
		m[string(c)] = struct{}{}
	}
	return m
}()

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SIGFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "sigforge.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.max_concurrent_runs", 4)

	v.SetDefault("gateway.request_timeout_secs", 90)
	v.SetDefault("gateway.max_transient_retries", 3)
	v.SetDefault("gateway.requests_per_second", 2.0)
	v.SetDefault("gateway.burst", 4)
	v.SetDefault("gateway.circuit_failure_threshold", 5)
	v.SetDefault("gateway.circuit_reset_secs", 30)

	v.SetDefault("models.rank", "claude-haiku-4-5-20251001")
	v.SetDefault("models.extract", "claude-haiku-4-5-20251001")
	v.SetDefault("models.synthesize", "claude-sonnet-4-5-20250929")

	v.SetDefault("embeddings.base_url", "https://api.jina.ai")
	v.SetDefault("embeddings.model", "jina-embeddings-v3")
	v.SetDefault("embeddings.timeout_secs", 30)

	v.SetDefault("corpus.path", "corpus.db")
	v.SetDefault("corpus.neighbors", 5)

	v.SetDefault("pipeline.score_gate_threshold", 50.0)
	v.SetDefault("pipeline.rank_threshold", 6.0)
	v.SetDefault("pipeline.max_validate_retries", 5)
	v.SetDefault("pipeline.duplicate_threshold", 0.85)
	v.SetDefault("pipeline.extend_threshold", 0.70)
	v.SetDefault("pipeline.promote_extend", false)
	v.SetDefault("pipeline.synthesis_fallback", false)
	v.SetDefault("pipeline.sequential_extract", false)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.backlog_threshold", 100)

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
