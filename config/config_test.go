package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "progress-engine", cfg.App.Name)
	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.Equal(t, BackendMemory, cfg.App.Storage)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 8, cfg.Pipeline.Partitions)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.JobTimeout)
	assert.Equal(t, 168*time.Hour, cfg.Scheduler.ProcessedRetention)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.UsesPostgres())
	assert.True(t, cfg.Features.IsEnabled(FeatureRankingPersonalize, "u1"))
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"APP_STORAGE":                  "postgres",
		"DATABASE_URL":                 "postgres://engine@localhost:5432/engine",
		"PIPELINE_PARTITIONS":          "16",
		"REDIS_ENABLED":                "true",
		"OTEL_EXPORTER_OTLP_HEADERS":   "x-api-key=abc,x-team=learn",
		"SEARCH_BASE_URL":              "https://search.internal",
		"FEATURE_UNLOCK_NOTIFICATIONS": "false",
	})
	require.NoError(t, err)

	assert.True(t, cfg.UsesPostgres())
	assert.Equal(t, 16, cfg.Pipeline.Partitions)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, map[string]string{"x-api-key": "abc", "x-team": "learn"}, cfg.Observability.TracingHeaders)
	assert.False(t, cfg.Features.IsEnabled(FeatureUnlockNotifications, ""))
}

func TestValidate_AggregatesErrors(t *testing.T) {
	_, err := LoadFrom(map[string]string{
		"APP_STORAGE":         "postgres",
		"APP_ENV":             "production",
		"HTTP_PORT":           "0",
		"PIPELINE_PARTITIONS": "0",
		"SEARCH_BASE_URL":     "search",
		"OTEL_SAMPLER_RATIO":  "2",
	})
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"DATABASE_URL is required",
		"HTTP_PORT",
		"PIPELINE_PARTITIONS",
		"SEARCH_BASE_URL",
		"OTEL_SAMPLER_RATIO",
	} {
		assert.Contains(t, msg, want)
	}

	_, err = LoadFrom(map[string]string{"APP_STORAGE": "sqlite"})
	assert.ErrorContains(t, err, "APP_STORAGE must be")

	_, err = LoadFrom(map[string]string{"APP_ENV": "production"})
	assert.ErrorContains(t, err, "not allowed in production")
}

func TestLoadFrom_ParseError(t *testing.T) {
	_, err := LoadFrom(map[string]string{"PIPELINE_JOB_TIMEOUT": "soon"})
	assert.ErrorContains(t, err, "parse env")
}

func TestFeatureFlags_Rollout(t *testing.T) {
	ff := LoadFeatureFlags(map[string]string{"FEATURE_RANKING_PERSONALIZE": "30"})

	in := 0
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		got := ff.IsEnabled(FeatureRankingPersonalize, user)
		assert.Equal(t, got, ff.IsEnabled(FeatureRankingPersonalize, user))
		if got {
			in++
		}
	}
	assert.InDelta(t, 300, in, 80)
	assert.True(t, ff.IsEnabled(FeatureRankingPersonalize, ""))

	ff.SetUserOverride("vip", FeatureRankingPersonalize, true)
	assert.True(t, ff.Gate(FeatureRankingPersonalize)("vip"))

	require.NoError(t, ff.SetRolloutPercent(FeatureRankingPersonalize, 0))
	assert.False(t, ff.IsEnabled(FeatureRankingPersonalize, "user-1"))
	assert.ErrorIs(t, ff.SetRolloutPercent("nope", 10), ErrFeatureNotFound)
	assert.ErrorIs(t, ff.SetRolloutPercent(FeatureRankingPersonalize, 101), ErrInvalidRolloutPercent)
	assert.False(t, ff.IsEnabled("nope", ""))
	assert.Len(t, ff.All(), 4)
}
