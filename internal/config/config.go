// Package config validates and holds the broker's environment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for a single broker process.
type Config struct {
	// Validated variables (defaulted when unset)
	Port string

	// Optional variables with defaults
	Hostname string
	GoEnv    string
	LogLevel string
	DevMode  bool
	OTLPAddr string // empty disables tracing

	// JWTSecret signs/verifies RoomClaim and user tokens. If unset, a
	// process-lifetime random secret is generated by the credentials
	// subsystem (tokens are invalidated across restarts in that case).
	JWTSecret string
}

// ValidateEnv validates environment variables and returns a Config.
// Returns an aggregated error describing every problem found, not just the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8100")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.Hostname = getEnvOrDefault("HOSTNAME", "localhost")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.OTLPAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.JWTSecret = os.Getenv("JWT_PRIVATE_KEY")
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_PRIVATE_KEY must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
