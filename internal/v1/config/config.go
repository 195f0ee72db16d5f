package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	DevelopmentMode bool
	AllowedOrigins  string

	// Game tuning
	MaxPlayers              int
	TurnTimerSeconds        int
	ReconnectTimeoutSeconds int
	RoomIdleTimeoutMinutes  int

	// Redis event mirror
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Tracing
	OtelEnabled            bool
	OtelCollectorAddr      string
	OtelInsecureSkipVerify bool

	// Rate Limits
	RateLimitHTTP  string
	RateLimitRooms string
	RateLimitWS    string
}

// Limits on the configurable player cap. Rooms never admit fewer than
// MinPlayers, and the protocol's seat numbering assumes a modest cap.
const (
	MinConfigurableMaxPlayers = 8
	MaxConfigurableMaxPlayers = 60
)

// ValidateEnv validates all environment variables and returns a Config object
// Returns an error if any variable is invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (valid port number, defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// MAX_PLAYERS (clamped to the supported range)
	cfg.MaxPlayers = MinConfigurableMaxPlayers
	if raw := os.Getenv("MAX_PLAYERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errors = append(errors, fmt.Sprintf("MAX_PLAYERS must be an integer (got '%s')", raw))
		} else {
			cfg.MaxPlayers = clampInt(n, MinConfigurableMaxPlayers, MaxConfigurableMaxPlayers, "MAX_PLAYERS")
		}
	}

	// TURN_TIMER_SECONDS (clamped to the range accepted in room settings)
	cfg.TurnTimerSeconds = 30
	if raw := os.Getenv("TURN_TIMER_SECONDS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errors = append(errors, fmt.Sprintf("TURN_TIMER_SECONDS must be an integer (got '%s')", raw))
		} else {
			cfg.TurnTimerSeconds = clampInt(n, 5, 120, "TURN_TIMER_SECONDS")
		}
	}

	// RECONNECT_TIMEOUT_SECONDS (grace window for in-game reconnects)
	cfg.ReconnectTimeoutSeconds = 60
	if raw := os.Getenv("RECONNECT_TIMEOUT_SECONDS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("RECONNECT_TIMEOUT_SECONDS must be a positive integer (got '%s')", raw))
		} else {
			cfg.ReconnectTimeoutSeconds = n
		}
	}

	// ROOM_IDLE_TIMEOUT_MINUTES (reaper threshold for abandoned rooms)
	cfg.RoomIdleTimeoutMinutes = 10
	if raw := os.Getenv("ROOM_IDLE_TIMEOUT_MINUTES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("ROOM_IDLE_TIMEOUT_MINUTES must be a positive integer (got '%s')", raw))
		} else {
			cfg.RoomIdleTimeoutMinutes = n
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Conditional: OTEL_COLLECTOR_ADDR (required if OTEL_ENABLED=true)
	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OtelCollectorAddr == "" {
			errors = append(errors, "OTEL_COLLECTOR_ADDR is required when OTEL_ENABLED=true")
		} else if !isValidHostPort(cfg.OtelCollectorAddr) {
			errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
		}
		cfg.OtelInsecureSkipVerify = os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true"
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEV_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitHTTP = getEnvOrDefault("RATE_LIMIT_HTTP", "100-M")
	cfg.RateLimitRooms = getEnvOrDefault("RATE_LIMIT_ROOMS", "20-M")
	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "30-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// ReconnectTimeout returns the in-game reconnect grace window as a duration
func (c *Config) ReconnectTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutSeconds) * time.Second
}

// RoomIdleTimeout returns the abandoned-room reap threshold as a duration
func (c *Config) RoomIdleTimeout() time.Duration {
	return time.Duration(c.RoomIdleTimeoutMinutes) * time.Minute
}

// clampInt forces n into [min, max], logging when the value was adjusted
func clampInt(n, min, max int, name string) int {
	if n < min {
		slog.Warn("config value below supported range, clamping", "name", name, "got", n, "using", min)
		return min
	}
	if n > max {
		slog.Warn("config value above supported range, clamping", "name", name, "got", n, "using", max)
		return max
	}
	return n
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"max_players", cfg.MaxPlayers,
		"turn_timer_seconds", cfg.TurnTimerSeconds,
		"reconnect_timeout_seconds", cfg.ReconnectTimeoutSeconds,
		"room_idle_timeout_minutes", cfg.RoomIdleTimeoutMinutes,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"otel_enabled", cfg.OtelEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_http", cfg.RateLimitHTTP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
