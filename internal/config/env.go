package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays CALBRIDGE_* environment variables onto cfg. Values that
// fail to parse are ignored.
func applyEnv(cfg *Config) {
	cfg.Timezone = getenvDefault("CALBRIDGE_TIMEZONE", cfg.Timezone)
	cfg.CalendarID = getenvDefault("CALBRIDGE_CALENDAR_ID", cfg.CalendarID)
	cfg.State.Backend = getenvDefault("CALBRIDGE_STATE_BACKEND", cfg.State.Backend)
	cfg.State.Path = getenvDefault("CALBRIDGE_STATE_PATH", cfg.State.Path)
	cfg.QuarantinePath = getenvDefault("CALBRIDGE_QUARANTINE_PATH", cfg.QuarantinePath)
	cfg.Google.CredentialsFile = getenvDefault("CALBRIDGE_GOOGLE_CREDENTIALS", cfg.Google.CredentialsFile)
	cfg.Google.TokenFile = getenvDefault("CALBRIDGE_GOOGLE_TOKEN", cfg.Google.TokenFile)
	cfg.Window.PastDays = getenvInt("CALBRIDGE_PAST_DAYS", cfg.Window.PastDays)
	cfg.Window.FutureDays = getenvInt("CALBRIDGE_FUTURE_DAYS", cfg.Window.FutureDays)
	cfg.Pacing.SteadyDelay = getenvDuration("CALBRIDGE_STEADY_DELAY", cfg.Pacing.SteadyDelay)
	cfg.Schedule.Listen = getenvDefault("CALBRIDGE_LISTEN", cfg.Schedule.Listen)
	cfg.LogLevel = getenvDefault("CALBRIDGE_LOG_LEVEL", cfg.LogLevel)

	if urls := getenvList("CALBRIDGE_SOURCE_URLS"); len(urls) > 0 {
		cfg.Sources = cfg.Sources[:0]
		for _, u := range urls {
			cfg.Sources = append(cfg.Sources, SourceConfig{URL: u})
		}
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
