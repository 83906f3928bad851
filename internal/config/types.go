package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON redacts the secret in JSON output
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Config represents the config structure with resolved values
type Config struct {
	Bridge          BridgeConfig          `json:"bridge"`
	Line            LineConfig            `json:"line"`
	SessionProvider SessionProviderConfig `json:"sessionProvider"`
	Storage         StorageConfig         `json:"storage"`
}

// BridgeConfig configures the federation bridge server itself.
type BridgeConfig struct {
	// BaseURL is this server's public base URL; the provider callback
	// URIs are registered against it.
	BaseURL string `json:"baseURL"`

	// AppBaseURL is the client application's base URL. Login, bootstrap,
	// and destination paths resolve against it.
	AppBaseURL string `json:"appBaseURL"`

	Addr string `json:"addr"`

	// SessionTimeout bounds the client bootstrap's session acquisition.
	SessionTimeout time.Duration `json:"-"`
}

// LineConfig holds the LINE channel credentials.
type LineConfig struct {
	ChannelID     string `json:"-"`
	ChannelSecret Secret `json:"-"`
}

// SessionProviderConfig points at the primary session provider.
type SessionProviderConfig struct {
	BaseURL    string `json:"-"`
	Ref        string `json:"-"`
	AnonKey    Secret `json:"-"`
	ServiceKey Secret `json:"-"`
}

type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFirestore StorageKind = "firestore"
)

// StorageConfig selects the account store backend.
type StorageConfig struct {
	Kind       StorageKind `json:"kind"`
	GCPProject string      `json:"gcpProject,omitempty"`
	Database   string      `json:"database,omitempty"`
}

// RawConfigValue represents a value that could be a string or env ref.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		// Strip surrounding quotes if present (only matching pairs)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return &RawConfigValue{value: value}, nil
	}

	return nil, fmt.Errorf("unknown reference type in config value")
}
