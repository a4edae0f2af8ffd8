package backend

import (
	"fmt"
	"strings"

	"odwatch/internal/config"
)

// FromAppConfig converts the application config to backend config. A poll
// missing a required setting maps to NoBackend rather than an error.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.VoteBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s (expected one of %s)",
			appConfig.VoteBackend, strings.Join(GetBackendTypeStrings(), ", "))
	}
	if !appConfig.VotesAvailable() {
		backendType = NoBackend
	}

	return Config{
		Type:         backendType,
		RecordKey:    appConfig.VoteRecordKey,
		SQLiteDBPath: appConfig.VoteDBPath,
		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s (expected one of %s)",
			c.Type, strings.Join(GetBackendTypeStrings(), ", "))
	}

	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
		if c.RecordKey == "" {
			return fmt.Errorf("record key is required for sqlite backend")
		}
	case MemoryBackend:
		if c.RecordKey == "" {
			return fmt.Errorf("record key is required for memory backend")
		}
	case NoBackend:
		// nothing to check
	}

	if c.AMQPURL != "" && c.AMQPExchange == "" {
		return fmt.Errorf("AMQP exchange is required when an AMQP URL is set")
	}
	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SQLiteBackend, MemoryBackend, NoBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}
