package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	JWTSecret     string
	PasswordHash  string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	MigrationsDir string
	CORSOrigin    string

	// Redis - anchors, refresh sessions
	RedisURL  string
	AnchorTTL time.Duration

	// Meilisearch - empty URL disables it, search falls back to Postgres
	MeiliURL       string
	MeiliMasterKey string

	// MinIO - attachment staging, disabled when endpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Gemini - field extraction, disabled when key is empty
	GeminiAPIKey string
	GeminiModel  string

	// Google OAuth - Gmail/Calendar/People, disabled when unset
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleTokenPath    string
	GoogleCalendarID   string

	ExecuteTimeout time.Duration
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8788"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		JWTSecret:     getenv("CONCIERGE_JWT_SECRET", "concierge-dev-secret"),
		PasswordHash:  getenv("CONCIERGE_PASSWORD_HASH", ""),
		AccessTTL:     time.Duration(getenvInt("CONCIERGE_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:    time.Duration(getenvInt("CONCIERGE_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		MigrationsDir: getenv("CONCIERGE_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("CONCIERGE_CORS_ORIGIN", "*"),

		RedisURL:  getenv("REDIS_URL", ""),
		AnchorTTL: time.Duration(getenvInt("CONCIERGE_ANCHOR_TTL_SECONDS", 0)) * time.Second,

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "concierge-attachments"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		GeminiAPIKey: getenv("GEMINI_API_KEY", ""),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.0-flash"),

		GoogleClientID:     getenv("GOOGLE_OAUTH_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_OAUTH_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getenv("GOOGLE_OAUTH_REDIRECT_URL", "http://localhost:8788/api/google/callback"),
		GoogleTokenPath:    getenv("GOOGLE_OAUTH_TOKEN_PATH", "./data/google-token.json"),
		GoogleCalendarID:   getenv("GOOGLE_CALENDAR_ID", "primary"),

		ExecuteTimeout: time.Duration(getenvInt("CONCIERGE_EXECUTE_TIMEOUT_SECONDS", 30)) * time.Second,
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

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
