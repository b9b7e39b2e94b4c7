package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"artisanpay/crypto"
	"artisanpay/gateway/auth"
)

// APIKeyConfig describes a single API key accepted by the gateway. Actor is
// the bech32 marketplace account the key acts on behalf of.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
	Actor  string `json:"actor"`
}

// Config captures runtime configuration for the escrow gateway service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	EventPollInterval    time.Duration
	WebhookMaxAttempts   int
	Environment          string
	AdminJWTSecret       string
	AdminJWTIssuer       string
	AdminJWTAudience     string
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("ESCROW_GATEWAY_LISTEN", ":8081"),
		NodeURL:              os.Getenv("ESCROW_GATEWAY_NODE_URL"),
		NodeAuthToken:        os.Getenv("ESCROW_GATEWAY_NODE_TOKEN"),
		DatabasePath:         getenvDefault("ESCROW_GATEWAY_DB_PATH", "escrow-gateway.db"),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		EventPollInterval:    5 * time.Second,
		WebhookMaxAttempts:   5,
		Environment:          getenvDefault("ESCROW_GATEWAY_ENV", "dev"),
		AdminJWTSecret:       strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_ADMIN_JWT_SECRET")),
		AdminJWTIssuer:       strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_ADMIN_JWT_ISSUER")),
		AdminJWTAudience:     strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_ADMIN_JWT_AUDIENCE")),
	}

	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROW_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROW_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("ESCROW_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROW_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("ESCROW_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ESCROW_GATEWAY_POLL_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("ESCROW_GATEWAY_POLL_INTERVAL must be positive")
		}
		cfg.EventPollInterval = dur
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("ESCROW_GATEWAY_NODE_URL is required")
	}

	// Parse API keys from JSON array: [{"key":"...","secret":"...","actor":"apay1..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("ESCROW_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, err
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		actor := strings.TrimSpace(entry.Actor)
		if key == "" || secret == "" || actor == "" {
			return Config{}, errors.New("api key entries must include key, secret and actor")
		}
		if _, err := crypto.DecodeAddress(actor); err != nil {
			return Config{}, fmt.Errorf("api key %s: invalid actor address: %w", key, err)
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret, Actor: actor})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

// Credentials converts the configured API keys into authenticator credentials.
func (c Config) Credentials() (map[string]auth.Credential, error) {
	out := make(map[string]auth.Credential, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		actor, err := crypto.DecodeAddress(entry.Actor)
		if err != nil {
			return nil, fmt.Errorf("api key %s: %w", entry.Key, err)
		}
		out[entry.Key] = auth.Credential{Secret: entry.Secret, Actor: actor}
	}
	return out, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
