package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment configuration values for the application.
// These values are loaded from a .env file at startup.
type Config struct {
	// SupabaseURL is the URL of your Supabase project. When empty the
	// server runs against in-memory collaborators (local development).
	SupabaseURL string

	// SupabaseKey is the service role key for backend operations
	// This key has elevated privileges and should never be exposed to clients
	SupabaseKey string

	// StorageBucket is the private bucket holding message attachments
	StorageBucket string

	// ServerPort is the port the HTTP server listens on
	ServerPort string

	// TypingTTL bounds how long an unrefreshed typing signal stays visible
	TypingTTL time.Duration

	// MaxUploadBytes is the attachment size ceiling
	MaxUploadBytes int64

	// SignedURLTTL is how long attachment retrieval links stay valid
	SignedURLTTL time.Duration
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment variables.
// Falls back to sensible defaults if values are not set.
func Load() *Config {
	// Attempt to load .env file - not an error if it doesn't exist
	// as we may be running in production with real environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		SupabaseURL:    getEnv("SUPABASE_URL", ""),
		SupabaseKey:    getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		StorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "attachments"),
		ServerPort:     getEnv("PORT", "8080"),
		TypingTTL:      time.Duration(getEnvInt("TYPING_TTL_SECONDS", 4)) * time.Second,
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_MB", 50)) << 20,
		SignedURLTTL:   time.Duration(getEnvInt("SIGNED_URL_DAYS", 365)) * 24 * time.Hour,
	}

	// Validate required configuration
	if config.SupabaseURL == "" {
		log.Println("WARNING: SUPABASE_URL is not set, falling back to in-memory storage")
	} else if config.SupabaseKey == "" {
		log.Println("WARNING: SUPABASE_SERVICE_ROLE_KEY is not set")
	}

	return config
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("WARNING: %s is not a number, using default %d", key, defaultValue)
	}
	return defaultValue
}
