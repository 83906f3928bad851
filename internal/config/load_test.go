package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "votebridge.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `{
	"version": "v1",
	"bridge": {
		"baseURL": "https://auth.example.com",
		"appBaseURL": "https://app.example.com",
		"addr": ":8080",
		"sessionTimeout": "20s"
	},
	"line": {
		"channelID": "1234567890",
		"channelSecret": {"$env": "LINE_CHANNEL_SECRET"}
	},
	"sessionProvider": {
		"baseURL": "https://provider.example.com",
		"ref": "abcd1234",
		"anonKey": {"$env": "PROVIDER_ANON_KEY"},
		"serviceKey": {"$env": "PROVIDER_SERVICE_KEY"}
	},
	"storage": {"kind": "memory"}
}`

func setSecretEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LINE_CHANNEL_SECRET", "line-secret")
	t.Setenv("PROVIDER_ANON_KEY", "anon-key")
	t.Setenv("PROVIDER_SERVICE_KEY", "service-key")
}

func TestLoadValidConfig(t *testing.T) {
	setSecretEnv(t)

	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", config.Bridge.BaseURL)
	assert.Equal(t, ":8080", config.Bridge.Addr)
	assert.Equal(t, 20*time.Second, config.Bridge.SessionTimeout)
	assert.Equal(t, "1234567890", config.Line.ChannelID)
	assert.Equal(t, Secret("line-secret"), config.Line.ChannelSecret)
	assert.Equal(t, "abcd1234", config.SessionProvider.Ref)
	assert.Equal(t, Secret("service-key"), config.SessionProvider.ServiceKey)
	assert.Equal(t, StorageMemory, config.Storage.Kind)
}

func TestLoadDefaults(t *testing.T) {
	setSecretEnv(t)

	minimal := `{
		"version": "v1",
		"bridge": {
			"baseURL": "https://auth.example.com",
			"appBaseURL": "https://app.example.com",
			"addr": ":8080"
		},
		"line": {
			"channelID": "1234567890",
			"channelSecret": {"$env": "LINE_CHANNEL_SECRET"}
		},
		"sessionProvider": {
			"baseURL": "https://provider.example.com",
			"ref": "abcd1234",
			"serviceKey": {"$env": "PROVIDER_SERVICE_KEY"}
		}
	}`

	config, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTimeout, config.Bridge.SessionTimeout)
	assert.Equal(t, StorageMemory, config.Storage.Kind)
}

func TestLoadVersionChecks(t *testing.T) {
	setSecretEnv(t)

	t.Run("missing version", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{"bridge": {}}`))
		assert.ErrorContains(t, err, "config version is required")
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, err := Load(writeConfig(t, `{"version": "v2"}`))
		assert.ErrorContains(t, err, "unsupported config version")
	})
}

func TestLoadRejectsInlineSecrets(t *testing.T) {
	setSecretEnv(t)

	inline := `{
		"version": "v1",
		"bridge": {
			"baseURL": "https://auth.example.com",
			"appBaseURL": "https://app.example.com",
			"addr": ":8080"
		},
		"line": {
			"channelID": "1234567890",
			"channelSecret": "plaintext-secret"
		},
		"sessionProvider": {
			"baseURL": "https://provider.example.com",
			"ref": "abcd1234",
			"serviceKey": {"$env": "PROVIDER_SERVICE_KEY"}
		}
	}`

	_, err := Load(writeConfig(t, inline))
	assert.ErrorContains(t, err, "line.channelSecret must use environment variable reference")

	// Dev mode relaxes the env-reference requirement.
	t.Setenv("VOTEBRIDGE_ENV", "development")
	config, err := Load(writeConfig(t, inline))
	require.NoError(t, err)
	assert.Equal(t, Secret("plaintext-secret"), config.Line.ChannelSecret)
}

func TestLoadUnsetEnvVar(t *testing.T) {
	t.Setenv("LINE_CHANNEL_SECRET", "line-secret")
	t.Setenv("PROVIDER_ANON_KEY", "anon-key")
	os.Unsetenv("PROVIDER_SERVICE_KEY")

	_, err := Load(writeConfig(t, validConfig))
	assert.ErrorContains(t, err, "PROVIDER_SERVICE_KEY not set")
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Bridge: BridgeConfig{
				BaseURL:    "https://auth.example.com",
				AppBaseURL: "https://app.example.com",
				Addr:       ":8080",
			},
			Line: LineConfig{ChannelID: "123", ChannelSecret: "secret"},
			SessionProvider: SessionProviderConfig{
				BaseURL:    "https://provider.example.com",
				Ref:        "abcd1234",
				ServiceKey: "service-key",
			},
			Storage: StorageConfig{Kind: StorageMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing baseURL", func(c *Config) { c.Bridge.BaseURL = "" }, "bridge.baseURL is required"},
		{"invalid appBaseURL", func(c *Config) { c.Bridge.AppBaseURL = "not a url" }, "not a valid URL"},
		{"missing addr", func(c *Config) { c.Bridge.Addr = "" }, "bridge.addr is required"},
		{"missing channelID", func(c *Config) { c.Line.ChannelID = "" }, "line.channelID is required"},
		{"missing serviceKey", func(c *Config) { c.SessionProvider.ServiceKey = "" }, "sessionProvider.serviceKey is required"},
		{"firestore without project", func(c *Config) { c.Storage = StorageConfig{Kind: StorageFirestore} }, "storage.gcpProject is required"},
		{"unknown storage kind", func(c *Config) { c.Storage.Kind = "postgres" }, "unknown storage kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base()
			tt.mutate(config)
			err := ValidateConfig(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	secret := Secret("super-secret")
	assert.Equal(t, "***", secret.String())
	assert.Equal(t, "***", fmt.Sprintf("%v", secret))
	assert.Equal(t, "", Secret("").String())

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: secret})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key": "***"}`, string(data))
}
