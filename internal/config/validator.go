package config

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var platforms = map[string]bool{"android": true, "amazon": true, "ios": true}

// Validate checks required fields and value ranges. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if !logLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", cfg.Log.Level))
	}
	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if cfg.Engine.ExecutionWorkers < 1 {
		errs = append(errs, "engine.execution_workers must be >= 1")
	}
	if cfg.Engine.QueueDepth < 1 {
		errs = append(errs, "engine.queue_depth must be >= 1")
	}
	if cfg.Engine.ExecutionTimeoutMs < 1 {
		errs = append(errs, "engine.execution_timeout_ms must be >= 1")
	}

	rd := cfg.RemoteData
	if rd.ForegroundRefreshInterval < 0 {
		errs = append(errs, "remote_data.foreground_refresh_interval must not be negative")
	}
	if rd.CutoffMs() < -1 {
		errs = append(errs, "remote_data.new_user_cutoff_ms must be -1 or a timestamp")
	}
	if rd.SchedulesType == "" {
		errs = append(errs, "remote_data.schedules_type is required")
	}

	if !platforms[cfg.Device.Platform] {
		errs = append(errs, fmt.Sprintf("device.platform: unknown platform %q", cfg.Device.Platform))
	}
	if cfg.Device.AppVersion == "" {
		errs = append(errs, "device.app_version is required")
	}
	if _, err := language.Parse(cfg.Device.Locale); err != nil {
		errs = append(errs, fmt.Sprintf("device.locale: %v", err))
	}

	if cfg.Kafka.Enabled {
		if cfg.Kafka.Brokers == "" {
			errs = append(errs, "kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			errs = append(errs, "kafka.topic is required when kafka is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
