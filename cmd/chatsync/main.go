package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds backend endpoints.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	MediaURL string `toml:"media_url"`
	WSURL    string `toml:"ws_url"`
}

// ConfigAuth holds the bearer token and the viewer's display hint.
type ConfigAuth struct {
	Token        string `toml:"token"`
	MembershipID string `toml:"membership_id"`
	DisplayName  string `toml:"display_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configFile overrides the config file location (--config).
var configFile string

// configDir returns the chatsync state directory, creating it if needed.
// CHATSYNC_HOME replaces the default ~/.chatsync.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file alone. A missing file is a
// zero-value Config. Commands that write the file back start from here.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

// loadConfig returns the effective configuration: the file with CHATSYNC_*
// environment variables applied on top.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOverrides maps environment variables onto config keys.
var envOverrides = []struct{ env, key string }{
	{"CHATSYNC_BASE_URL", "default.base_url"},
	{"CHATSYNC_MEDIA_URL", "default.media_url"},
	{"CHATSYNC_WS_URL", "default.ws_url"},
	{"CHATSYNC_TOKEN", "auth.token"},
	{"CHATSYNC_MEMBERSHIP_ID", "auth.membership_id"},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := setConfigValue(cfg, o.key, v); err != nil {
			return err
		}
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// validateConfig trims every field and checks endpoint schemes.
func validateConfig(cfg *Config) error {
	for _, f := range []*string{
		&cfg.Default.BaseURL, &cfg.Default.MediaURL, &cfg.Default.WSURL,
		&cfg.Auth.Token, &cfg.Auth.MembershipID, &cfg.Auth.DisplayName,
	} {
		*f = strings.TrimSpace(*f)
	}
	endpoints := []struct {
		key, value string
		schemes    []string
	}{
		{"default.base_url", cfg.Default.BaseURL, []string{"http", "https"}},
		{"default.media_url", cfg.Default.MediaURL, []string{"http", "https"}},
		{"default.ws_url", cfg.Default.WSURL, []string{"ws", "wss"}},
	}
	for _, ep := range endpoints {
		if ep.value == "" {
			continue
		}
		u, err := url.Parse(ep.value)
		if err != nil || u.Host == "" || !contains(ep.schemes, u.Scheme) {
			return fmt.Errorf("invalid %s %q: want an absolute %s URL", ep.key, ep.value, strings.Join(ep.schemes, "/"))
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// saveConfig validates cfg and writes it back to disk as TOML.
func saveConfig(cfg *Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
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
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "media_url":
			cfg.Default.MediaURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "membership_id":
			cfg.Auth.MembershipID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "PharmaShift chat CLI",
	Long:  "Command-line client for PharmaShift chat.\nList rooms, read history, send messages and follow a room live.",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable development logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.chatsync/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
