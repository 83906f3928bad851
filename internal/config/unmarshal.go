package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// UnmarshalJSON implements custom unmarshaling for BridgeConfig
func (b *BridgeConfig) UnmarshalJSON(data []byte) error {
	// Use a raw type to avoid recursion
	type rawBridge struct {
		BaseURL        string `json:"baseURL"`
		AppBaseURL     string `json:"appBaseURL"`
		Addr           string `json:"addr"`
		SessionTimeout string `json:"sessionTimeout,omitempty"`
	}

	var raw rawBridge
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.BaseURL = raw.BaseURL
	b.AppBaseURL = raw.AppBaseURL
	b.Addr = raw.Addr

	if raw.SessionTimeout != "" {
		timeout, err := time.ParseDuration(raw.SessionTimeout)
		if err != nil {
			return fmt.Errorf("parsing sessionTimeout: %w", err)
		}
		b.SessionTimeout = timeout
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for LineConfig
func (l *LineConfig) UnmarshalJSON(data []byte) error {
	type rawLine struct {
		ChannelID     json.RawMessage `json:"channelID"`
		ChannelSecret json.RawMessage `json:"channelSecret"`
	}

	var raw rawLine
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.ChannelID != nil {
		parsed, err := ParseConfigValue(raw.ChannelID)
		if err != nil {
			return fmt.Errorf("parsing channelID: %w", err)
		}
		l.ChannelID = parsed.value
	}

	if raw.ChannelSecret != nil {
		parsed, err := ParseConfigValue(raw.ChannelSecret)
		if err != nil {
			return fmt.Errorf("parsing channelSecret: %w", err)
		}
		l.ChannelSecret = Secret(parsed.value)
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionProviderConfig
func (s *SessionProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		BaseURL    json.RawMessage `json:"baseURL"`
		Ref        json.RawMessage `json:"ref"`
		AnonKey    json.RawMessage `json:"anonKey"`
		ServiceKey json.RawMessage `json:"serviceKey"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  func(string)
	}{
		{"baseURL", raw.BaseURL, func(v string) { s.BaseURL = v }},
		{"ref", raw.Ref, func(v string) { s.Ref = v }},
		{"anonKey", raw.AnonKey, func(v string) { s.AnonKey = Secret(v) }},
		{"serviceKey", raw.ServiceKey, func(v string) { s.ServiceKey = Secret(v) }},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		parsed, err := ParseConfigValue(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.name, err)
		}
		f.dst(parsed.value)
	}
	return nil
}
