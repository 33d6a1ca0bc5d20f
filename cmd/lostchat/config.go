package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.lostchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds connection and client settings.
type ConfigDefault struct {
	BaseURL       string `toml:"base_url"`
	StorePath     string `toml:"store_path"`
	MetricsAddr   string `toml:"metrics_addr"`
	TransportSend bool   `toml:"transport_send"`
}

// ConfigAuth holds the session credentials.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   int64  `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ConfigLog controls logging.
type ConfigLog struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.lostchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".lostchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "store_path":
			cfg.Default.StorePath = value
		case "metrics_addr":
			cfg.Default.MetricsAddr = value
		case "transport_send":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("transport_send must be true or false")
			}
			cfg.Default.TransportSend = b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("user_id must be a number")
			}
			cfg.Auth.UserID = id
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Log.Level = value
		case "file":
			cfg.Log.File = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log)", section)
	}
	return nil
}

// applyEnv overrides file settings with LOSTCHAT_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOSTCHAT_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("LOSTCHAT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("LOSTCHAT_STORE"); v != "" {
		cfg.Default.StorePath = v
	}
	if v := os.Getenv("LOSTCHAT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOSTCHAT_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}
