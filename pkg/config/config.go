package config

import "os"

// Config holds daemon configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string
	SignerKeyID  string
	JWTSecret    string
	ProfilePath  string
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

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "clearing.db"
	}

	keyID := os.Getenv("SIGNER_KEY_ID")
	if keyID == "" {
		keyID = "clearing-default"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabasePath: dbPath,
		SignerKeyID:  keyID,
		JWTSecret:    os.Getenv("JWT_SECRET"),
		ProfilePath:  os.Getenv("MATCHING_PROFILE"),
	}
}
