package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Vote backends.
const (
	VoteBackendSQLite = "sqlite"
	VoteBackendMemory = "memory"
	VoteBackendNone   = "none"
)

type Config struct {
	// HTTP Server
	Port     string
	LogLevel string
	// TrustedProxies are extra CIDRs whose forwarding headers are honored.
	TrustedProxies  []string
	RenderCacheSize int
	RenderCacheTTL  time.Duration

	// Dataset
	DatasetSource     string
	DatasetSheetID    string
	DatasetSheetRange string
	FetchTimeout      time.Duration

	// Google service account, for the sheet source
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string

	// Votes
	VoteBackend       string
	VoteDBPath        string
	VoteRecordKey     string
	VoteRatePerMinute int

	// AMQP, optional
	AMQPURL      string
	AMQPExchange string
}

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		TrustedProxies:  getEnvList("TRUSTED_PROXIES"),
		RenderCacheSize: getEnvInt("RENDER_CACHE_SIZE", 64),
		RenderCacheTTL:  getEnvDuration("RENDER_CACHE_TTL", 30*time.Minute),

		DatasetSource:     getEnv("DATASET_SOURCE", ""),
		DatasetSheetID:    getEnv("DATASET_SHEET_ID", ""),
		DatasetSheetRange: getEnv("DATASET_SHEET_RANGE", "Sheet1"),
		FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", time.Minute),

		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),

		VoteBackend:       getEnv("VOTE_BACKEND", VoteBackendSQLite),
		VoteDBPath:        getEnvAllowEmpty("VOTE_DB_PATH", "./data/odwatch.db"),
		VoteRecordKey:     getEnvAllowEmpty("VOTE_RECORD_KEY", "overdose-poll"),
		VoteRatePerMinute: getEnvInt("VOTE_RATE_PER_MINUTE", 30),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "odwatch.votes"),
	}
}

// UsesSheet reports whether the dataset comes from a Google Sheet.
func (c *Config) UsesSheet() bool {
	return c.DatasetSheetID != ""
}

// VotesAvailable reports whether every setting the vote store needs is
// present. When it is false the poll runs disabled instead of failing startup.
func (c *Config) VotesAvailable() bool {
	switch c.VoteBackend {
	case VoteBackendSQLite:
		return c.VoteRecordKey != "" && c.VoteDBPath != ""
	case VoteBackendMemory:
		return c.VoteRecordKey != ""
	default:
		return false
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid trusted proxy '%s': must be a CIDR such as 203.0.113.0/24", cidr))
		}
	}
	if c.RenderCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid render cache size %d: must be at least 1", c.RenderCacheSize))
	}
	if c.RenderCacheTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid render cache TTL %v: must be at least 1 second", c.RenderCacheTTL))
	}

	switch {
	case c.DatasetSource == "" && c.DatasetSheetID == "":
		errors = append(errors, "no dataset configured: set DATASET_SOURCE or DATASET_SHEET_ID")
	case c.DatasetSource != "" && c.DatasetSheetID != "":
		errors = append(errors, "DATASET_SOURCE and DATASET_SHEET_ID are mutually exclusive")
	}

	if c.DatasetSource != "" && isURL(c.DatasetSource) {
		if u, err := url.Parse(c.DatasetSource); err != nil || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid dataset URL '%s'", c.DatasetSource))
		}
	}

	if c.UsesSheet() {
		if c.DatasetSheetRange == "" {
			errors = append(errors, "DATASET_SHEET_RANGE cannot be empty when DATASET_SHEET_ID is set")
		}
		hasJSON := c.GoogleServiceAccountJSON != ""
		hasFile := c.GoogleServiceAccountFile != ""
		if !hasJSON && !hasFile {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for a sheet dataset")
		}
		if hasFile {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	if c.FetchTimeout < time.Second || c.FetchTimeout > 10*time.Minute {
		errors = append(errors, fmt.Sprintf("invalid fetch timeout %v: must be between 1 second and 10 minutes", c.FetchTimeout))
	}

	validBackends := []string{VoteBackendSQLite, VoteBackendMemory, VoteBackendNone}
	isValidBackend := false
	for _, b := range validBackends {
		if c.VoteBackend == b {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid vote backend '%s': must be one of %v", c.VoteBackend, validBackends))
	}

	if c.VoteBackend == VoteBackendSQLite && c.VoteDBPath != "" {
		dir := filepath.Dir(c.VoteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create vote database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.VoteRatePerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid vote rate %d: must be at least 1 per minute", c.VoteRatePerMinute))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty returns defaultValue only when key is unset, so a setting
// can be blanked out explicitly.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getEnvList splits a comma-separated setting, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
