package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	AuthBaseURL string `env:"TEST_CFG_AUTH_URL" envDefault:"https://auth.local"`
	LogLevel    string `env:"TEST_CFG_LOG_LEVEL" envDefault:"info"`
	IdleMinutes int    `env:"TEST_CFG_IDLE_MINUTES" envDefault:"15"`
	Debug       bool   `env:"TEST_CFG_DEBUG" envDefault:"false"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	err := Load(&cfg)

	require.NoError(t, err)
	assert.Equal(t, "https://auth.local", cfg.AuthBaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15, cfg.IdleMinutes)
	assert.False(t, cfg.Debug)
}

func TestLoad_FromEnvVars(t *testing.T) {
	t.Setenv("TEST_CFG_AUTH_URL", "https://auth.example.com")
	t.Setenv("TEST_CFG_LOG_LEVEL", "debug")
	t.Setenv("TEST_CFG_IDLE_MINUTES", "30")
	t.Setenv("TEST_CFG_DEBUG", "true")

	var cfg testConfig
	err := Load(&cfg)

	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", cfg.AuthBaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.IdleMinutes)
	assert.True(t, cfg.Debug)
}

type requiredConfig struct {
	APIKey string `env:"TEST_CFG_API_KEY,required"`
}

func TestLoad_RequiredFieldMissing(t *testing.T) {
	var cfg requiredConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_InvalidType(t *testing.T) {
	t.Setenv("TEST_CFG_IDLE_MINUTES", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

type validatedConfig struct {
	AuthBaseURL string `env:"TEST_CFG_V_AUTH_URL" envDefault:"https://auth.local" validate:"required,url"`
	IdleMinutes int    `env:"TEST_CFG_V_IDLE" envDefault:"15" validate:"gte=1,lte=120"`
}

func TestLoadAndValidate_Success(t *testing.T) {
	var cfg validatedConfig
	require.NoError(t, LoadAndValidate(&cfg))
}

func TestLoadAndValidate_Failure(t *testing.T) {
	t.Setenv("TEST_CFG_V_IDLE", "500")

	var cfg validatedConfig
	err := LoadAndValidate(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate config")
}
