package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	CORSOrigin string
	LogLevel   string

	// MongoDB
	MongoURI      string
	MongoDatabase string
	IdleTimeout   time.Duration

	// Identity provider (JWKS issuer)
	Auth0Domain    string
	Auth0Audience  string
	AdminEmails    []string
	ProfileTimeout time.Duration

	// Redis - optional principal cache, resolver works without it
	RedisURL          string
	PrincipalCacheTTL time.Duration

	// GitHub identity enrichment
	GitHubToken   string
	EnrichTimeout time.Duration

	// Meilisearch - optional, search falls back to the store
	MeiliURL       string
	MeiliMasterKey string

	// Reference sync worker
	SyncPollInterval time.Duration
	SyncMaxAttempts  int
}

func Load() Config {
	// Missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	return Config{
		Addr:       getenv("API_ADDR", ":8788"),
		CORSOrigin: getenv("PORTFOLIO_CORS_ORIGIN", "*"),
		LogLevel:   getenv("PORTFOLIO_LOG_LEVEL", "info"),

		MongoURI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getenv("MONGO_DATABASE", "portfolio"),
		IdleTimeout:   time.Duration(getenvInt("MONGO_IDLE_TIMEOUT_SECONDS", 300)) * time.Second,

		Auth0Domain:    getenv("AUTH0_DOMAIN", ""),
		Auth0Audience:  getenv("AUTH0_AUDIENCE", ""),
		AdminEmails:    splitList(getenv("PORTFOLIO_ADMIN_EMAILS", "")),
		ProfileTimeout: time.Duration(getenvInt("AUTH_PROFILE_TIMEOUT_SECONDS", 5)) * time.Second,

		RedisURL:          getenv("REDIS_URL", ""),
		PrincipalCacheTTL: time.Duration(getenvInt("PRINCIPAL_CACHE_TTL_SECONDS", 300)) * time.Second,

		GitHubToken:   getenv("GIT_PERSONAL_ACCESS_TOKEN", ""),
		EnrichTimeout: time.Duration(getenvInt("ENRICH_TIMEOUT_SECONDS", 10)) * time.Second,

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		SyncPollInterval: time.Duration(getenvInt("SYNC_POLL_INTERVAL_SECONDS", 5)) * time.Second,
		SyncMaxAttempts:  getenvInt("SYNC_MAX_ATTEMPTS", 5),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
