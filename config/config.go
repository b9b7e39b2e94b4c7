package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"artisanpay/crypto"

	"github.com/BurntSushi/toml"
)

// Telemetry controls the optional OTLP exporter.
type Telemetry struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Environment string `toml:"Environment"`
	Headers     string `toml:"Headers"`
}

// LogRotation controls file-based log output.
type LogRotation struct {
	Path       string `toml:"Path"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type Config struct {
	RPCAddress         string      `toml:"RPCAddress"`
	DataDir            string      `toml:"DataDir"`
	AllocFile          string      `toml:"AllocFile"`
	CustodyAddress     string      `toml:"CustodyAddress"`
	ServiceKeystore    string      `toml:"ServiceKeystore"`
	NetworkName        string      `toml:"NetworkName"`
	Telemetry          Telemetry   `toml:"Telemetry"`
	Log                LogRotation `toml:"Log"`
	EventBufferEntries int         `toml:"EventBufferEntries"`
}

// Load loads the configuration from the given path, creating a default
// file with a fresh service keystore when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "apay-local"
	}
	if cfg.EventBufferEntries <= 0 {
		cfg.EventBufferEntries = 4096
	}
	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.ServiceKeystore
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ServiceKeystore != keystorePath {
		cfg.ServiceKeystore = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:         ":8080",
		DataDir:            "./apay-data",
		AllocFile:          "",
		NetworkName:        "apay-local",
		ServiceKeystore:    keystorePath,
		EventBufferEntries: 4096,
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, "service.keystore")
}
