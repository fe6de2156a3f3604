// Package config reads participant settings from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Environment variable names shared by the simulator and bots.
const (
	EnvServer   = "CPRBARG_SERVER"
	EnvSeed     = "CPRBARG_SEED"
	EnvName     = "CPRBARG_NAME"
	EnvStrategy = "CPRBARG_STRATEGY"
)

// BotConfig holds settings parsed from the environment.
type BotConfig struct {
	// ServerURL is the websocket endpoint to join.
	ServerURL string `env:"CPRBARG_SERVER" envDefault:"ws://localhost:8080/ws"`

	// Seed makes a strategy deterministic (0 means not set).
	Seed int64 `env:"CPRBARG_SEED"`

	// Name is the join name.
	Name string `env:"CPRBARG_NAME"`

	// Strategy selects the automated player.
	Strategy string `env:"CPRBARG_STRATEGY" envDefault:"random"`
}

// FromEnv parses configuration from environment variables.
func FromEnv() (BotConfig, error) {
	var cfg BotConfig
	if err := env.Parse(&cfg); err != nil {
		return BotConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// SetEnv appends key=value to env for a child process.
func SetEnv(environ []string, key, value string) []string {
	return append(environ, fmt.Sprintf("%s=%s", key, value))
}
