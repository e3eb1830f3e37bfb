package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	TicketSecret   string

	// Signaling backend coordination.
	Mode     string
	Backends []SignalingBackend

	// Internal message bus (used when no backend is configured).
	BusDBPath     string
	BusMessageTTL time.Duration

	// How long a room→backend pick stays in the shared cache.
	AssignmentCacheTTL time.Duration

	Redis RedisConfig
}

// SignalingBackend describes one external signaling server.
type SignalingBackend struct {
	URL        string
	Secret     string
	SkipVerify bool
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		TicketSecret:   getEnv("TICKET_SECRET", "change-me-in-production"),

		Mode:     getEnv("SIGNALING_MODE", "internal"),
		Backends: parseBackends(getEnv("SIGNALING_BACKENDS", "")),

		BusDBPath:     getEnv("BUS_DB_PATH", "signaling.db"),
		BusMessageTTL: getDuration("BUS_MESSAGE_TTL", time.Hour),

		AssignmentCacheTTL: getDuration("ASSIGNMENT_CACHE_TTL", 6*time.Hour),

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
	}
}

// parseBackends parses the SIGNALING_BACKENDS value: comma-separated
// "url|secret" or "url|secret|insecure" entries. Malformed entries are
// skipped, so a broken value degrades to internal-mode behavior instead of
// taking the service down.
func parseBackends(value string) []SignalingBackend {
	var backends []SignalingBackend
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("Skipping malformed signaling backend entry %q", entry)
			continue
		}
		backends = append(backends, SignalingBackend{
			URL:        strings.TrimRight(parts[0], "/"),
			Secret:     parts[1],
			SkipVerify: len(parts) > 2 && parts[2] == "insecure",
		})
	}
	return backends
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid duration %q for %s, using %s", value, key, defaultValue)
		return defaultValue
	}
	return d
}
