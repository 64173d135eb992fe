package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port               string
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	PolicyBundleDir    string
	TenantProfilesDir  string
	MaxDelegationDepth int
	AuditLogPath       string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local sqlite file; set a postgres:// URL for shared
		// deployments.
		dbURL = "file:warrant.db?_pragma=journal_mode(WAL)"
	}

	maxDepth := 5
	if raw := os.Getenv("MAX_DELEGATION_DEPTH"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxDepth = n
		}
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        dbURL,
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		PolicyBundleDir:    os.Getenv("POLICY_BUNDLE_DIR"),
		TenantProfilesDir:  os.Getenv("TENANT_PROFILES_DIR"),
		MaxDelegationDepth: maxDepth,
		AuditLogPath:       os.Getenv("AUDIT_LOG_PATH"),
	}
}
