// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every environment-sourced setting the server needs at boot.
type Config struct {
	Token           string // LINEHEAT_TOKEN, required
	Port            string
	RetentionDays   int
	SQLitePath      string
	BehindProxy     bool
}

// Load reads Config from the environment, applying defaults. It returns an
// error only when the required token is missing, matching spec.md section 6
// ("non-zero [exit] on missing token").
func Load() (Config, error) {
	cfg := Config{
		Token:         os.Getenv("LINEHEAT_TOKEN"),
		Port:          getEnv("PORT", "8080"),
		RetentionDays: getEnvInt("LINEHEAT_RETENTION_DAYS", 7),
		SQLitePath:    getEnv("LINEHEAT_SQLITE_PATH", "./lineheat.db"),
		BehindProxy:   getEnv("LINEHEAT_BEHIND_PROXY", "false") == "true",
	}
	if cfg.Token == "" {
		return cfg, fmt.Errorf("LINEHEAT_TOKEN is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
