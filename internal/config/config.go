package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/catalog-match/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Index      IndexConfig      `yaml:"index" mapstructure:"index"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// MatchConfig holds the matcher thresholds.
type MatchConfig struct {
	KNeighbors           int     `yaml:"k_neighbors" mapstructure:"k_neighbors"`
	MinTitleSimilarity   float64 `yaml:"min_title_similarity" mapstructure:"min_title_similarity"`
	StrongTitleThreshold float64 `yaml:"strong_title_threshold" mapstructure:"strong_title_threshold"`
	WeakTitleThreshold   float64 `yaml:"weak_title_threshold" mapstructure:"weak_title_threshold"`
	AuthorFuzzyThreshold int     `yaml:"author_fuzzy_threshold" mapstructure:"author_fuzzy_threshold"`
	YearToleranceYears   int     `yaml:"year_tolerance_years" mapstructure:"year_tolerance_years"`
	MinAcceptedTier      string  `yaml:"min_accepted_tier" mapstructure:"min_accepted_tier"`
	Workers              int     `yaml:"workers" mapstructure:"workers"`
	BatchSize            int     `yaml:"batch_size" mapstructure:"batch_size"`
}

// ValidationConfig configures stratified sampling.
type ValidationConfig struct {
	SampleSize          int   `yaml:"sample_size" mapstructure:"sample_size"`
	UnmatchedSampleSize int   `yaml:"unmatched_sample_size" mapstructure:"unmatched_sample_size"`
	RandomSeed          int64 `yaml:"random_seed" mapstructure:"random_seed"`
}

// EmbeddingConfig configures the sentence-embedding provider.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	URL               string  `yaml:"url" mapstructure:"url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	Dimensions        int     `yaml:"dimensions" mapstructure:"dimensions"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	Cache             bool    `yaml:"cache" mapstructure:"cache"`
}

// IndexConfig selects the nearest-neighbor index.
type IndexConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinPrecision         float64 `yaml:"min_precision" mapstructure:"min_precision"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from the default config.yaml and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path (or ./config.yaml when empty), a
// .env file if present, and CATMATCH_* environment variables.
func LoadFile(path string) (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CATMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("match.k_neighbors", 5)
	v.SetDefault("match.min_title_similarity", 0.75)
	v.SetDefault("match.strong_title_threshold", 0.90)
	v.SetDefault("match.weak_title_threshold", 0.85)
	v.SetDefault("match.author_fuzzy_threshold", 80)
	v.SetDefault("match.year_tolerance_years", 30)
	v.SetDefault("match.min_accepted_tier", "weak")
	v.SetDefault("match.workers", 0)
	v.SetDefault("match.batch_size", 1000)
	v.SetDefault("validation.sample_size", 50)
	v.SetDefault("validation.unmatched_sample_size", 50)
	v.SetDefault("validation.random_seed", 1)
	v.SetDefault("embedding.provider", "http")
	v.SetDefault("embedding.url", "http://localhost:8081/v1/embeddings")
	v.SetDefault("embedding.model", "paraphrase-multilingual-MiniLM-L12-v2")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.timeout_secs", 30)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.initial_backoff_ms", 1000)
	v.SetDefault("embedding.backoff_multiplier", 4.0)
	v.SetDefault("embedding.requests_per_second", 10)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.cache", true)
	v.SetDefault("index.kind", "vptree")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalog-match.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.20)
	v.SetDefault("monitoring.min_precision", 0.80)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "match",
// "validate", "serve", "read".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "match":
		errs = append(errs, c.validateMatch()...)
		errs = append(errs, c.validateEmbedding()...)
		errs = append(errs, c.validateValidation()...)
	case "validate":
		errs = append(errs, c.validateValidation()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "read":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateMatch() []string {
	var errs []string
	m := c.Match
	if m.KNeighbors < 1 {
		errs = append(errs, fmt.Sprintf("match.k_neighbors must be >= 1, got %d", m.KNeighbors))
	}
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"match.min_title_similarity", m.MinTitleSimilarity},
		{"match.weak_title_threshold", m.WeakTitleThreshold},
		{"match.strong_title_threshold", m.StrongTitleThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be within [0,1], got %v", th.name, th.v))
		}
	}
	if m.MinTitleSimilarity > m.WeakTitleThreshold || m.WeakTitleThreshold > m.StrongTitleThreshold {
		errs = append(errs, "thresholds must satisfy min_title_similarity <= weak_title_threshold <= strong_title_threshold")
	}
	if m.AuthorFuzzyThreshold < 0 || m.AuthorFuzzyThreshold > 100 {
		errs = append(errs, fmt.Sprintf("match.author_fuzzy_threshold must be between 0 and 100, got %d", m.AuthorFuzzyThreshold))
	}
	if m.YearToleranceYears < 0 {
		errs = append(errs, fmt.Sprintf("match.year_tolerance_years must be >= 0, got %d", m.YearToleranceYears))
	}
	if _, err := c.AcceptedTier(); err != nil {
		errs = append(errs, fmt.Sprintf("match.min_accepted_tier %q is not a tier", m.MinAcceptedTier))
	}
	if m.Workers < 0 {
		errs = append(errs, "match.workers must be >= 0")
	}
	if m.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("match.batch_size must be >= 1, got %d", m.BatchSize))
	}
	switch c.Index.Kind {
	case "vptree", "flat":
	default:
		errs = append(errs, fmt.Sprintf("index.kind %q must be vptree or flat", c.Index.Kind))
	}
	return errs
}

func (c *Config) validateEmbedding() []string {
	var errs []string
	e := c.Embedding
	switch e.Provider {
	case "http":
		if e.URL == "" {
			errs = append(errs, "embedding.url is required for the http provider")
		}
	case "hash":
	default:
		errs = append(errs, fmt.Sprintf("embedding.provider %q must be http or hash", e.Provider))
	}
	if e.Dimensions < 1 {
		errs = append(errs, fmt.Sprintf("embedding.dimensions must be >= 1, got %d", e.Dimensions))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, "embedding.max_retries must be >= 0")
	}
	if e.BatchSize < 1 {
		errs = append(errs, "embedding.batch_size must be >= 1")
	}
	return errs
}

func (c *Config) validateValidation() []string {
	if c.Validation.SampleSize < 0 || c.Validation.UnmatchedSampleSize < 0 {
		return []string{"validation sample sizes must be >= 0"}
	}
	return nil
}

// AcceptedTier parses match.min_accepted_tier.
func (c *Config) AcceptedTier() (model.Tier, error) {
	t, err := model.ParseTier(c.Match.MinAcceptedTier)
	if err != nil || t == model.TierRejected {
		return model.TierRejected, eris.Errorf("config: invalid match.min_accepted_tier %q", c.Match.MinAcceptedTier)
	}
	return t, nil
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
