package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvServer, "")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "random", cfg.Strategy)
	assert.Zero(t, cfg.Seed)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvServer, "ws://example:9000/ws")
	t.Setenv(EnvSeed, "42")
	t.Setenv(EnvName, "bot-1")
	t.Setenv(EnvStrategy, "greedy")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, BotConfig{ServerURL: "ws://example:9000/ws", Seed: 42, Name: "bot-1", Strategy: "greedy"}, cfg)
}

func TestFromEnvBadSeed(t *testing.T) {
	t.Setenv(EnvSeed, "many")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestSetEnv(t *testing.T) {
	assert.Equal(t, []string{"A=1", "CPRBARG_SEED=7"}, SetEnv([]string{"A=1"}, EnvSeed, "7"))
}
