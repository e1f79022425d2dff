package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()

	assert.Equal(t, 100, p[ClassGeneral].Max)
	assert.Equal(t, time.Minute, p[ClassGeneral].Window)

	assert.Equal(t, 10, p[ClassAuth].Max)
	assert.Equal(t, 15*time.Minute, p[ClassAuth].BlockDuration)
	// Every auth attempt counts, success or failure.
	assert.False(t, p[ClassAuth].SkipSuccessful)
	assert.False(t, p[ClassAuth].SkipFailed)

	assert.Equal(t, 20, p[ClassUpload].Max)
	assert.Equal(t, 60, p[ClassSearch].Max)

	for class, policy := range p {
		assert.NotEmptyf(t, policy.Message, "class %s needs a denial message", class)
	}
}

func TestPolicyOverride_MergesFieldwise(t *testing.T) {
	base := Policy{
		Window:        time.Minute,
		Max:           10,
		Message:       "original",
		BlockDuration: 15 * time.Minute,
	}

	max := 25
	merged := PolicyOverride{Max: &max}.apply(base)

	assert.Equal(t, 25, merged.Max)
	// Everything not overridden survives.
	assert.Equal(t, time.Minute, merged.Window)
	assert.Equal(t, "original", merged.Message)
	assert.Equal(t, 15*time.Minute, merged.BlockDuration)
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.False(t, cfg.RedisEnabled, "redis should default off outside production")

	general := cfg.Overrides[ClassGeneral]
	require.NotNil(t, general.Max)
	assert.Equal(t, 100, *general.Max)
	require.NotNil(t, general.Window)
	assert.Equal(t, time.Minute, *general.Window)

	auth := cfg.Overrides[ClassAuth]
	assert.Equal(t, 10, *auth.Max)
}

func TestFromEnv_ProductionEnablesRedis(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.RedisEnabled)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Greater(t, cfg.Redis.MaxRetries, 0, "retries must be bounded, not unlimited")
}

func TestFromEnv_ExplicitToggleWins(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("RATE_LIMIT_REDIS_ENABLED", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.RedisEnabled)
}

func TestFromEnv_FieldOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_AUTH_MAX", "5")
	t.Setenv("RATE_LIMIT_SEARCH_WINDOW_MS", "30000")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5, *cfg.Overrides[ClassAuth].Max)
	// The auth window was not overridden and stays at its default.
	assert.Equal(t, time.Minute, *cfg.Overrides[ClassAuth].Window)
	assert.Equal(t, 30*time.Second, *cfg.Overrides[ClassSearch].Window)
	assert.Equal(t, 60, *cfg.Overrides[ClassSearch].Max)
}

func TestFromEnv_RedisConnection(t *testing.T) {
	t.Setenv("RATE_LIMIT_REDIS_ENABLED", "true")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestFromEnv_RedisURLTakesPrecedence(t *testing.T) {
	t.Setenv("RATE_LIMIT_REDIS_ENABLED", "true")
	t.Setenv("REDIS_URL", "redis://:secret@redis.example.com:6390/2")
	t.Setenv("REDIS_HOST", "ignored.internal")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "redis.example.com:6390", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestFromEnv_BadRedisURL(t *testing.T) {
	t.Setenv("RATE_LIMIT_REDIS_ENABLED", "true")
	t.Setenv("REDIS_URL", "://not-a-url")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestWithOverrides_UnknownClassStartsFromGeneral(t *testing.T) {
	max := 7
	l := newTestLimiter(t, nil, WithOverrides(map[string]PolicyOverride{
		"webhooks": {Max: &max},
	}))

	p := l.Policy("webhooks")
	assert.Equal(t, 7, p.Max)
	assert.Equal(t, DefaultPolicies()[ClassGeneral].Window, p.Window)
	assert.Equal(t, DefaultPolicies()[ClassGeneral].Message, p.Message)
}
