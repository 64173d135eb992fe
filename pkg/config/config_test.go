package config_test

import (
	"testing"

	"github.com/strataplane/warrant/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MAX_DELEGATION_DEPTH", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "warrant.db") // Default is a local file
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 5, cfg.MaxDelegationDepth)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/warrant")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MAX_DELEGATION_DEPTH", "3")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/warrant", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.MaxDelegationDepth)
}

// TestLoad_BadDepthIgnored verifies that a malformed depth override falls
// back to the default rather than failing startup.
func TestLoad_BadDepthIgnored(t *testing.T) {
	t.Setenv("MAX_DELEGATION_DEPTH", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, 5, cfg.MaxDelegationDepth)
}
