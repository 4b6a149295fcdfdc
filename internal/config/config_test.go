package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Match.KNeighbors)
	assert.InDelta(t, 0.75, cfg.Match.MinTitleSimilarity, 0.001)
	assert.InDelta(t, 0.90, cfg.Match.StrongTitleThreshold, 0.001)
	assert.InDelta(t, 0.85, cfg.Match.WeakTitleThreshold, 0.001)
	assert.Equal(t, 80, cfg.Match.AuthorFuzzyThreshold)
	assert.Equal(t, 30, cfg.Match.YearToleranceYears)
	assert.Equal(t, "weak", cfg.Match.MinAcceptedTier)
	assert.Equal(t, 1000, cfg.Match.BatchSize)
	assert.Equal(t, 50, cfg.Validation.SampleSize)
	assert.Equal(t, 50, cfg.Validation.UnmatchedSampleSize)
	assert.Equal(t, int64(1), cfg.Validation.RandomSeed)
	assert.Equal(t, "http", cfg.Embedding.Provider)
	assert.Equal(t, 3, cfg.Embedding.MaxRetries)
	assert.Equal(t, 1000, cfg.Embedding.InitialBackoffMs)
	assert.InDelta(t, 4.0, cfg.Embedding.BackoffMultiplier, 0.001)
	assert.True(t, cfg.Embedding.Cache)
	assert.Equal(t, "vptree", cfg.Index.Kind)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "catalog-match.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.20, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
match:
  k_neighbors: 10
  min_title_similarity: 0.7
embedding:
  provider: hash
  dimensions: 128
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Match.KNeighbors)
	assert.InDelta(t, 0.7, cfg.Match.MinTitleSimilarity, 0.001)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 128, cfg.Embedding.Dimensions)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 30, cfg.Match.YearToleranceYears)
}

func TestLoadFileExplicitPath(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index:\n  kind: flat\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "flat", cfg.Index.Kind)
}

func TestLoadFileMissingExplicitPath(t *testing.T) {
	dir := chdirTemp(t)

	_, err := LoadFile(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
match:
  year_tolerance_years: 10
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CATMATCH_MATCH_YEAR_TOLERANCE_YEARS", "40")
	t.Setenv("CATMATCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, 40, cfg.Match.YearToleranceYears)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnvAPIKey(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CATMATCH_EMBEDDING_API_KEY=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("CATMATCH_EMBEDDING_API_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Embedding.APIKey)
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
	cfg.Match = MatchConfig{
		KNeighbors:           5,
		MinTitleSimilarity:   0.75,
		StrongTitleThreshold: 0.90,
		WeakTitleThreshold:   0.85,
		AuthorFuzzyThreshold: 80,
		YearToleranceYears:   30,
		MinAcceptedTier:      "weak",
		BatchSize:            1000,
	}
	cfg.Validation = ValidationConfig{SampleSize: 50, UnmatchedSampleSize: 50, RandomSeed: 1}
	cfg.Embedding = EmbeddingConfig{Provider: "hash", Dimensions: 64, MaxRetries: 3, BatchSize: 64}
	cfg.Index.Kind = "vptree"
	cfg.Store.DatabaseURL = "catalog-match.db"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateMatch_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("match"))
}

func TestValidateMatch_ThresholdOrder(t *testing.T) {
	cfg := validDefaults()
	cfg.Match.WeakTitleThreshold = 0.95

	err := cfg.Validate("match")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "min_title_similarity <= weak_title_threshold <= strong_title_threshold")
}

func TestValidateMatch_CollectsErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Match.KNeighbors = 0
	cfg.Match.AuthorFuzzyThreshold = 120
	cfg.Match.MinAcceptedTier = "excellent"
	cfg.Index.Kind = "hnsw"

	err := cfg.Validate("match")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k_neighbors must be >= 1")
	assert.Contains(t, err.Error(), "author_fuzzy_threshold must be between 0 and 100")
	assert.Contains(t, err.Error(), "min_accepted_tier")
	assert.Contains(t, err.Error(), "index.kind")
}

func TestValidateMatch_HTTPProviderNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Embedding.Provider = "http"

	err := cfg.Validate("match")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.url is required")

	cfg.Embedding.URL = "http://localhost:8081/v1/embeddings"
	assert.NoError(t, cfg.Validate("match"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestAcceptedTier(t *testing.T) {
	cfg := validDefaults()
	cfg.Match.MinAcceptedTier = "medium"

	tier, err := cfg.AcceptedTier()
	require.NoError(t, err)
	assert.Equal(t, model.TierMedium, tier)

	cfg.Match.MinAcceptedTier = "rejected"
	_, err = cfg.AcceptedTier()
	assert.Error(t, err)
}
