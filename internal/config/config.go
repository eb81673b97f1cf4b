package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Environment string
	DatabaseURL string
	JWKSURL     string
	CORSOrigins string
	TablePrefix string
	// Compiler worker
	CompilerCommand string
	CompilerArgs    []string
	WorkerTimeout   time.Duration
	// Regeneration
	MaxAutoAttempts int
	// Code-repair service
	RepairServiceURL string
	RepairServiceKey string
	// Artifact storage
	BlobDir string
	// Debug flags
	Debug bool
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")
	tablePrefix := getTablePrefix(env)

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: env,
		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWKSURL:     getEnv("JWKS_URL", ""),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		TablePrefix: tablePrefix,
		// Compiler worker
		CompilerCommand: getEnv("COMPILER_COMMAND", "openscad-worker"),
		CompilerArgs:    nil,
		WorkerTimeout:   getEnvDuration("WORKER_TIMEOUT_SECONDS", 30*time.Second),
		// Regeneration: one silent repair cycle, then the user decides
		MaxAutoAttempts: getEnvInt("MAX_AUTO_ATTEMPTS", 1),
		// Code-repair service
		RepairServiceURL: getEnv("REPAIR_SERVICE_URL", ""),
		RepairServiceKey: getEnv("REPAIR_SERVICE_KEY", ""),
		// Artifact storage
		BlobDir: getEnv("BLOB_DIR", "./data/artifacts"),
		// Debug flags - default to true in dev/test, false in production
		Debug: getEnv("DEBUG", getDefaultDebug(env)) == "true",
	}
}

// getDefaultDebug returns the default debug setting based on environment
func getDefaultDebug(env string) string {
	if env == "prod" {
		return "false"
	}
	return "true"
}

// getTablePrefix returns the table prefix based on environment
func getTablePrefix(env string) string {
	// Allow manual override via TABLE_PREFIX env var
	if prefix := os.Getenv("TABLE_PREFIX"); prefix != "" {
		return prefix
	}

	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	default:
		return "dev_"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}
