// Package config handles aggregator configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/makerspaceleiden/aggregator/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aggregator/config.yaml,
// /etc/aggregator/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aggregator", "config.yaml"))
	}

	paths = append(paths, "/etc/aggregator/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all aggregator configuration.
type Config struct {
	MQTT          MQTTConfig      `yaml:"mqtt"`
	Store         StoreConfig     `yaml:"store"`
	Directory     DirectoryConfig `yaml:"directory"`
	CRM           CRMConfig       `yaml:"crm"`
	Chat          ChatConfig      `yaml:"chat"`
	Email         email.Config    `yaml:"email"`
	HTTP          HTTPConfig      `yaml:"http"`
	StaleCheckins StaleConfig     `yaml:"check_stale_checkins"`
	Chores        ChoresConfig    `yaml:"chores"`
	List          ListConfig      `yaml:"list"`
	SettingsURL   string          `yaml:"settings_url"`
	Timezone      string          `yaml:"timezone"`
	LogLevel      string          `yaml:"log_level"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// BrokerURL is the broker to connect to, mqtt:// or mqtts://.
	BrokerURL string `yaml:"broker_url"`
	// Topic is the subscription filter. Defaults to "#": the telemetry
	// traffic is free-text and topics are not stable enough to enumerate.
	Topic string `yaml:"topic"`
	// ClientID identifies this subscriber to the broker.
	ClientID string `yaml:"client_id"`
}

// StoreConfig defines the ephemeral state database and its expirations.
type StoreConfig struct {
	Path                    string `yaml:"path"`
	UserCacheSec            int    `yaml:"user_cache_expiration_sec"`
	PendingActivationSec    int    `yaml:"pending_activation_expiration_sec"`
	MachineHeartbeatMinutes int    `yaml:"machine_heartbeat_expiration_min"`
	LinkTokenSec            int    `yaml:"link_token_expiration_sec"`
	HistoryDays             int    `yaml:"history_retention_days"`
}

// DirectoryConfig defines the membership directory database.
type DirectoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CRMConfig defines the CRM endpoint for permanent check-in records.
// Leave BaseURL empty to disable.
type CRMConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
}

// ChatConfig points at the outbound chat bridge services. A platform
// with no URL configured is skipped; users on it fall back to email.
type ChatConfig struct {
	SignalBridgeURL   string `yaml:"signal_bridge_url"`
	TelegramBridgeURL string `yaml:"telegram_bridge_url"`
}

// HTTPConfig defines the read-model HTTP server.
type HTTPConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StaleConfig defines the stale-checkin sweep.
type StaleConfig struct {
	// Crontab schedules the sweep. The original deployment runs it in
	// the small hours, once per night.
	Crontab         string `yaml:"crontab"`
	StaleAfterHours int    `yaml:"stale_after_hours"`
	// MorningHour is the local hour the deferred "forgot to checkout"
	// notification goes out.
	MorningHour int `yaml:"morning_hour"`
}

// ChoresConfig defines the chore reminder sweep.
type ChoresConfig struct {
	TimeframeDays      int `yaml:"timeframe_in_days"`
	WarningWindowHours int `yaml:"warnings_check_window_in_hours"`
	RecencyDays        int `yaml:"message_users_seen_no_later_than_days"`
	ConfirmTimeoutMin  int `yaml:"bot_confirmation_timeout_min"`
}

// ListConfig identifies the members mailing list.
type ListConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Horizon returns the chore lookahead as a duration.
func (c ChoresConfig) Horizon() time.Duration {
	return time.Duration(c.TimeframeDays) * 24 * time.Hour
}

// WarningWindow returns the reminder freshness window as a duration.
func (c ChoresConfig) WarningWindow() time.Duration {
	return time.Duration(c.WarningWindowHours) * time.Hour
}

// RecencyWindow returns the recently-seen window as a duration.
func (c ChoresConfig) RecencyWindow() time.Duration {
	return time.Duration(c.RecencyDays) * 24 * time.Hour
}

// ConfirmTimeout returns the bot yes/no timeout as a duration.
func (c ChoresConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutMin) * time.Minute
}

// StaleAfter returns the stale-checkin threshold as a duration.
func (c StaleConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// Location resolves the configured timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Topic:    "#",
			ClientID: "aggregator",
		},
		Store: StoreConfig{
			Path:                    "aggregator.db",
			UserCacheSec:            60,
			PendingActivationSec:    90,
			MachineHeartbeatMinutes: 60,
			LinkTokenSec:            300,
			HistoryDays:             7,
		},
		Directory: DirectoryConfig{Driver: "sqlite3"},
		HTTP:      HTTPConfig{Port: 8080},
		StaleCheckins: StaleConfig{
			Crontab:         "0 5 * * *",
			StaleAfterHours: 5,
			MorningHour:     8,
		},
		Chores: ChoresConfig{
			TimeframeDays:      90,
			WarningWindowHours: 2,
			RecencyDays:        14,
			ConfirmTimeoutMin:  10,
		},
	}
}
