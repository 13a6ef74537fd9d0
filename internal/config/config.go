// Package config provides configuration management for Mnemo.
// It loads settings from environment variables with the MNEMO_ prefix
// and provides sensible defaults for all configuration options.
//
// Per-category retention overrides can additionally be loaded from a
// YAML policy file (MNEMO_POLICY_FILE); the file takes precedence over
// the corresponding environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muselabs/mnemo/internal/policy"
	"github.com/muselabs/mnemo/pkg/types"
)

// Config holds all configuration settings for the Mnemo memory layer.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Index     IndexConfig
	Security  SecurityConfig
	Retention RetentionConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 7171)
	Host string // Server host (default: 127.0.0.1)
}

// StorageConfig contains durable store configuration.
type StorageConfig struct {
	// Engine selects the durable store backend: sqlite or postgres
	// (default: sqlite).
	Engine string

	// PostgresDSN is the connection string for the postgres engine.
	PostgresDSN string

	// SQLitePath is the database file path for the sqlite engine
	// (default: ./data/mnemo.db).
	SQLitePath string
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	BaseURL string        // Provider base URL (default: https://api.openai.com)
	APIKey  string        // API key; empty disables semantic features
	Model   string        // Embedding model (default: text-embedding-3-small)
	Timeout time.Duration // Request timeout (default: 15s)
}

// IndexConfig contains vector index service configuration.
type IndexConfig struct {
	URL        string        // Qdrant base URL; empty means index not configured
	APIKey     string        // Optional API key
	Collection string        // Collection name (default: memories)
	Timeout    time.Duration // Per-call timeout (default: 5s)
	MaxRetries int           // Retry budget per call (default: 3)
	Dimensions int           // Vector dimensionality of the collection (default: 1536)
}

// SecurityConfig contains authentication settings for the HTTP surface.
type SecurityConfig struct {
	SecurityMode string // development or production (default: development)
	APIToken     string // Bearer token required in production mode
}

// RetentionConfig carries raw per-category policy override settings.
// Values accept integer milliseconds, "Nh" or "Nd". Parsing and
// fallback on invalid values happen in the policy package.
type RetentionConfig struct {
	TTL      map[types.Category]string
	HalfLife map[types.Category]string
}

// policyFile is the YAML shape of the optional policy override file:
//
//	retention:
//	  session:
//	    ttl: 12h
//	    half_life: 3h
type policyFile struct {
	Retention map[string]struct {
		TTL      string `yaml:"ttl"`
		HalfLife string `yaml:"half_life"`
	} `yaml:"retention"`
}

// LoadConfig loads configuration from environment variables, applying
// the policy file on top when MNEMO_POLICY_FILE is set.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()

	if path := os.Getenv("MNEMO_POLICY_FILE"); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// PolicyOverrides converts the raw retention settings into a parsed
// override map, logging and ignoring invalid values.
func (c *Config) PolicyOverrides() map[types.Category]policy.Policy {
	return policy.OverridesFromSettings(c.Retention.TTL, c.Retention.HalfLife)
}

// applyPolicyFile merges retention overrides from a YAML file. File
// values take precedence over environment variables.
func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read policy file %s: %w", path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("config: failed to parse policy file %s: %w", path, err)
	}

	for name, entry := range pf.Retention {
		cat := types.Category(name)
		if !types.ValidCategory(cat) {
			return fmt.Errorf("config: policy file %s names unknown category %q", path, name)
		}
		if entry.TTL != "" {
			c.Retention.TTL[cat] = entry.TTL
		}
		if entry.HalfLife != "" {
			c.Retention.HalfLife[cat] = entry.HalfLife
		}
	}

	return nil
}

// buildBaseConfig constructs a Config with values from environment
// variables and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("MNEMO_PORT", 7171),
			Host: getEnv("MNEMO_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:      getEnv("MNEMO_STORAGE_ENGINE", "sqlite"),
			PostgresDSN: getEnv("MNEMO_POSTGRES_DSN", ""),
			SQLitePath:  getEnv("MNEMO_SQLITE_PATH", "./data/mnemo.db"),
		},
		Embedding: EmbeddingConfig{
			BaseURL: getEnv("MNEMO_EMBEDDING_URL", "https://api.openai.com"),
			APIKey:  getEnv("MNEMO_EMBEDDING_API_KEY", ""),
			Model:   getEnv("MNEMO_EMBEDDING_MODEL", "text-embedding-3-small"),
			Timeout: getEnvDuration("MNEMO_EMBEDDING_TIMEOUT", 15*time.Second),
		},
		Index: IndexConfig{
			URL:        getEnv("MNEMO_INDEX_URL", ""),
			APIKey:     getEnv("MNEMO_INDEX_API_KEY", ""),
			Collection: getEnv("MNEMO_INDEX_COLLECTION", "memories"),
			Timeout:    getEnvDuration("MNEMO_INDEX_TIMEOUT", 5*time.Second),
			MaxRetries: getEnvInt("MNEMO_INDEX_MAX_RETRIES", 3),
			Dimensions: getEnvInt("MNEMO_INDEX_DIMENSIONS", 1536),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("MNEMO_SECURITY_MODE", "development"),
			APIToken:     getEnv("MNEMO_API_TOKEN", ""),
		},
		Retention: RetentionConfig{
			TTL: map[types.Category]string{
				types.CategoryDecision:   getEnv("MNEMO_TTL_DECISION", ""),
				types.CategoryStyle:      getEnv("MNEMO_TTL_STYLE", ""),
				types.CategoryPreference: getEnv("MNEMO_TTL_PREFERENCE", ""),
				types.CategorySession:    getEnv("MNEMO_TTL_SESSION", ""),
			},
			HalfLife: map[types.Category]string{
				types.CategoryDecision:   getEnv("MNEMO_HALF_LIFE_DECISION", ""),
				types.CategoryStyle:      getEnv("MNEMO_HALF_LIFE_STYLE", ""),
				types.CategoryPreference: getEnv("MNEMO_HALF_LIFE_PREFERENCE", ""),
				types.CategorySession:    getEnv("MNEMO_HALF_LIFE_SESSION", ""),
			},
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a
// default value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a Go duration environment variable (e.g.
// "5s", "1m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
