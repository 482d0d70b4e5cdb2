// Package config handles Rafi configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // timezone validation must not depend on the host zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/nugget/rafi-assistant/internal/llm"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/rafi/config.yaml,
// /etc/rafi/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rafi", "config.yaml"))
	}

	paths = append(paths, "/etc/rafi/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Rafi configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Client    ClientConfig    `yaml:"client"`
	Assistant AssistantConfig `yaml:"assistant"`
	LLM       LLMConfig       `yaml:"llm"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Email     EmailConfig     `yaml:"email"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Mobile    MobileConfig    `yaml:"mobile"`
	Weather   WeatherConfig   `yaml:"weather"`
	Settings  SettingsConfig  `yaml:"settings"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ClientConfig describes the person the assistant works for.
type ClientConfig struct {
	Name string `yaml:"name"`
}

// AssistantConfig describes the assistant persona used in system prompts.
type AssistantConfig struct {
	Name        string `yaml:"name"`
	Personality string `yaml:"personality"`
}

// LLMConfig selects the default provider and holds per-provider
// credentials. Temperature and MaxTokens apply to every provider
// unless a call overrides them.
type LLMConfig struct {
	Provider       string                    `yaml:"provider"`
	CostRouting    bool                      `yaml:"cost_routing"`
	Temperature    float64                   `yaml:"temperature"`
	MaxTokens      int                       `yaml:"max_tokens"`
	EmbeddingModel string                    `yaml:"embedding_model"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one backend's credentials and model.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the provider has an API key.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

// TelegramConfig holds Telegram bot credentials. Only messages from
// UserID are processed.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	UserID   int64  `yaml:"user_id"`
}

// Configured reports whether a bot token is present.
func (c TelegramConfig) Configured() bool {
	return c.BotToken != ""
}

// TwilioConfig holds Twilio credentials for the WhatsApp channel.
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	PhoneNumber       string `yaml:"phone_number"`
	ClientPhone       string `yaml:"client_phone"`
	ValidateSignature bool   `yaml:"validate_signature"`
	// WebhookURL is the public URL Twilio posts to, used when
	// computing request signatures behind a proxy.
	WebhookURL string `yaml:"webhook_url"`
}

// Configured reports whether the REST credentials are complete.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.PhoneNumber != ""
}

// ChannelsConfig controls outbound routing.
type ChannelsConfig struct {
	// Preferred is the channel ID used for proactive messages.
	Preferred string `yaml:"preferred"`
}

// EmailConfig holds IMAP and SMTP settings.
type EmailConfig struct {
	From string     `yaml:"from"`
	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
}

// Configured reports whether IMAP is set up.
func (c EmailConfig) Configured() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != ""
}

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// MQTTConfig holds broker settings for the event mirror.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker URL is present.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// WeatherConfig holds WeatherAPI.com credentials for the get_weather
// tool.
type WeatherConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default https://api.weatherapi.com/v1
	// HomeLocation is used when the client asks without naming a place.
	HomeLocation string `yaml:"home_location"`
}

// Configured reports whether an API key is present.
func (c WeatherConfig) Configured() bool {
	return c.APIKey != ""
}

// MobileConfig controls the mobile companion websocket.
type MobileConfig struct {
	// Secret signs mobile access tokens. When empty the websocket
	// accepts unauthenticated connections (development mode).
	Secret string `yaml:"secret"`
	// AdminKey guards the token-issuing endpoint.
	AdminKey string `yaml:"admin_key"`
	// PublicURL is the externally reachable base URL, used in pairing QR codes.
	PublicURL string `yaml:"public_url"`
}

// SettingsConfig holds scheduling preferences.
type SettingsConfig struct {
	MorningBriefingTime string `yaml:"morning_briefing_time"`
	QuietHoursStart     string `yaml:"quiet_hours_start"`
	QuietHoursEnd       string `yaml:"quiet_hours_end"`
	Timezone            string `yaml:"timezone"`
	HeartbeatMinutes    int    `yaml:"heartbeat_minutes"`
	ReminderLeadMinutes int    `yaml:"reminder_lead_minutes"`
}

// Location loads the configured timezone, falling back to UTC.
func (s SettingsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${VAR} are expanded before parsing so secrets can stay out
// of the file. Defaults are applied and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Assistant.Name == "" {
		c.Assistant.Name = "Rafi"
	}
	if c.Assistant.Personality == "" {
		c.Assistant.Personality = "friendly, concise and proactive"
	}
	if c.Client.Name == "" {
		c.Client.Name = "there"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLM.Providers == nil {
		c.LLM.Providers = map[string]ProviderConfig{}
	}
	if c.Channels.Preferred == "" {
		c.Channels.Preferred = "telegram"
	}
	if c.Email.IMAP.Port == 0 {
		c.Email.IMAP.Port = 993
		c.Email.IMAP.TLS = true
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
		c.Email.SMTP.StartTLS = true
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "rafi"
	}
	if c.Settings.MorningBriefingTime == "" {
		c.Settings.MorningBriefingTime = "08:00"
	}
	if c.Settings.QuietHoursStart == "" {
		c.Settings.QuietHoursStart = "22:00"
	}
	if c.Settings.QuietHoursEnd == "" {
		c.Settings.QuietHoursEnd = "07:00"
	}
	if c.Settings.Timezone == "" {
		c.Settings.Timezone = "America/New_York"
	}
	if c.Settings.HeartbeatMinutes == 0 {
		c.Settings.HeartbeatMinutes = 30
	}
	if c.Settings.ReminderLeadMinutes == 0 {
		c.Settings.ReminderLeadMinutes = 15
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

var (
	e164Pattern  = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

// ValidClock reports whether s is a 24-hour "HH:MM" time.
func ValidClock(s string) bool {
	return clockPattern.MatchString(s)
}

// Validate checks field formats. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if !llm.IsKnownProvider(c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of openai, anthropic, groq, gemini", c.LLM.Provider))
	}
	for name := range c.LLM.Providers {
		if llm.ResolveAlias(name) != name || !llm.IsKnownProvider(name) {
			errs = append(errs, fmt.Errorf("llm.providers: unknown provider %q", name))
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f out of range 0-2", c.LLM.Temperature))
	}

	if c.Twilio.AccountSID != "" && !strings.HasPrefix(c.Twilio.AccountSID, "AC") {
		errs = append(errs, errors.New("twilio.account_sid must start with AC"))
	}
	for field, v := range map[string]string{
		"twilio.phone_number": c.Twilio.PhoneNumber,
		"twilio.client_phone": c.Twilio.ClientPhone,
	} {
		if v != "" && !e164Pattern.MatchString(v) {
			errs = append(errs, fmt.Errorf("%s %q is not in E.164 format", field, v))
		}
	}

	for field, v := range map[string]string{
		"settings.morning_briefing_time": c.Settings.MorningBriefingTime,
		"settings.quiet_hours_start":     c.Settings.QuietHoursStart,
		"settings.quiet_hours_end":       c.Settings.QuietHoursEnd,
	} {
		if !clockPattern.MatchString(v) {
			errs = append(errs, fmt.Errorf("%s %q must be HH:MM", field, v))
		}
	}
	if _, err := time.LoadLocation(c.Settings.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("settings.timezone: %w", err))
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
