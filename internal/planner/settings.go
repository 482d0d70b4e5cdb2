package planner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/rafi-assistant/internal/config"
)

// SettingKeys are the settings the client may change at runtime.
var SettingKeys = []string{
	"morning_briefing_time",
	"quiet_hours_start",
	"quiet_hours_end",
	"timezone",
	"heartbeat_minutes",
	"reminder_lead_minutes",
}

// ErrUnknownSetting is returned for a key outside SettingKeys.
var ErrUnknownSetting = errors.New("unknown setting")

// applySetting validates value and writes it into cfg.
func applySetting(cfg *config.SettingsConfig, key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case "morning_briefing_time", "quiet_hours_start", "quiet_hours_end":
		if !config.ValidClock(value) {
			return fmt.Errorf("%s %q must be HH:MM", key, value)
		}
		switch key {
		case "morning_briefing_time":
			cfg.MorningBriefingTime = value
		case "quiet_hours_start":
			cfg.QuietHoursStart = value
		default:
			cfg.QuietHoursEnd = value
		}
	case "timezone":
		if _, err := time.LoadLocation(value); err != nil || value == "" {
			return fmt.Errorf("timezone %q is not a known IANA zone", value)
		}
		cfg.Timezone = value
	case "heartbeat_minutes", "reminder_lead_minutes":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 1440 {
			return fmt.Errorf("%s %q must be a whole number of minutes between 1 and 1440", key, value)
		}
		if key == "heartbeat_minutes" {
			cfg.HeartbeatMinutes = n
		} else {
			cfg.ReminderLeadMinutes = n
		}
	default:
		return fmt.Errorf("%w %q (known: %s)", ErrUnknownSetting, key, strings.Join(SettingKeys, ", "))
	}
	return nil
}

// SettingsMap renders cfg keyed by setting name.
func SettingsMap(cfg config.SettingsConfig) map[string]string {
	return map[string]string{
		"morning_briefing_time": cfg.MorningBriefingTime,
		"quiet_hours_start":     cfg.QuietHoursStart,
		"quiet_hours_end":       cfg.QuietHoursEnd,
		"timezone":              cfg.Timezone,
		"heartbeat_minutes":     strconv.Itoa(cfg.HeartbeatMinutes),
		"reminder_lead_minutes": strconv.Itoa(cfg.ReminderLeadMinutes),
	}
}

// overrides returns the stored setting values.
func (s *Store) overrides(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ApplySettings overlays stored overrides onto cfg. Stored values that
// no longer validate are skipped with a warning.
func (s *Store) ApplySettings(ctx context.Context, cfg *config.SettingsConfig) error {
	ov, err := s.overrides(ctx)
	if err != nil {
		return err
	}
	for _, k := range SettingKeys {
		v, ok := ov[k]
		if !ok {
			continue
		}
		if err := applySetting(cfg, k, v); err != nil {
			s.logger.WarnContext(ctx, "ignoring stored setting", "key", k, "error", err)
		}
	}
	return nil
}

// Settings serves the settings tools over a config base plus the
// overrides stored in the planner database.
type Settings struct {
	store *Store
	base  config.SettingsConfig
}

// NewSettings returns a settings view over base.
func NewSettings(store *Store, base config.SettingsConfig) *Settings {
	return &Settings{store: store, base: base}
}

// Current returns the effective settings keyed by name.
func (v *Settings) Current(ctx context.Context) (map[string]string, error) {
	cfg := v.base
	if err := v.store.ApplySettings(ctx, &cfg); err != nil {
		return nil, err
	}
	return SettingsMap(cfg), nil
}

// Update validates and stores one setting.
func (v *Settings) Update(ctx context.Context, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	var scratch config.SettingsConfig
	if err := applySetting(&scratch, key, value); err != nil {
		return err
	}
	_, err := v.store.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, v.store.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store setting: %w", err)
	}
	v.store.logger.InfoContext(ctx, "setting updated", "key", key, "value", value)
	return nil
}
