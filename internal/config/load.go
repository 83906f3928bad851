package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tmaekawa/votebridge/internal/envutil"
)

// DefaultSessionTimeout is used when the config leaves sessionTimeout
// unset.
const DefaultSessionTimeout = 15 * time.Second

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, "v1") {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// Parse directly into typed Config struct. The custom UnmarshalJSON
	// methods resolve env vars immediately.
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if config.Bridge.SessionTimeout == 0 {
		config.Bridge.SessionTimeout = DefaultSessionTimeout
	}
	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageMemory
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig validates the config structure before environment
// resolution: secrets must be env references, never inline strings. Dev
// mode relaxes this for local setups.
func validateRawConfig(rawConfig map[string]any) error {
	if envutil.IsDev() {
		return nil
	}

	secrets := []struct {
		section string
		name    string
	}{
		{"line", "channelSecret"},
		{"sessionProvider", "serviceKey"},
	}

	for _, secret := range secrets {
		section, ok := rawConfig[secret.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[secret.name]
		if !exists {
			continue
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s.%s must use environment variable reference for security", secret.section, secret.name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s.%s must use {\"$env\": \"VAR_NAME\"} format", secret.section, secret.name)
			}
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Bridge.BaseURL == "" {
		return fmt.Errorf("bridge.baseURL is required")
	}
	if _, err := url.ParseRequestURI(config.Bridge.BaseURL); err != nil {
		return fmt.Errorf("bridge.baseURL is not a valid URL: %w", err)
	}
	if config.Bridge.AppBaseURL == "" {
		return fmt.Errorf("bridge.appBaseURL is required")
	}
	if _, err := url.ParseRequestURI(config.Bridge.AppBaseURL); err != nil {
		return fmt.Errorf("bridge.appBaseURL is not a valid URL: %w", err)
	}
	if config.Bridge.Addr == "" {
		return fmt.Errorf("bridge.addr is required")
	}

	if config.Line.ChannelID == "" {
		return fmt.Errorf("line.channelID is required")
	}
	if config.Line.ChannelSecret == "" {
		return fmt.Errorf("line.channelSecret is required")
	}

	if config.SessionProvider.BaseURL == "" {
		return fmt.Errorf("sessionProvider.baseURL is required")
	}
	if config.SessionProvider.Ref == "" {
		return fmt.Errorf("sessionProvider.ref is required")
	}
	if config.SessionProvider.ServiceKey == "" {
		return fmt.Errorf("sessionProvider.serviceKey is required")
	}

	switch config.Storage.Kind {
	case StorageMemory:
	case StorageFirestore:
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage kind: %s", config.Storage.Kind)
	}

	return nil
}
