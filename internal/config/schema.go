package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Log        LogConf        `yaml:"log"`
	HTTP       HTTPConf       `yaml:"http"`
	Store      StoreConf      `yaml:"store"`
	Engine     EngineConf     `yaml:"engine"`
	RemoteData RemoteDataConf `yaml:"remote_data"`
	Device     DeviceConf     `yaml:"device"`
	Kafka      KafkaConf      `yaml:"kafka"`
}

// LogConf selects the slog level: debug, info, warn or error.
type LogConf struct {
	Level string `yaml:"level"`
}

type HTTPConf struct {
	Addr string `yaml:"addr"`
}

type StoreConf struct {
	Path string `yaml:"path"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	ExecutionWorkers   int `yaml:"execution_workers"`
	QueueDepth         int `yaml:"queue_depth"`
	ExecutionTimeoutMs int `yaml:"execution_timeout_ms"`
}

// RemoteDataConf configures refresh and reconciliation of remote data.
type RemoteDataConf struct {
	ForegroundRefreshInterval  time.Duration `yaml:"foreground_refresh_interval"`
	RequireInitialRemoteConfig bool          `yaml:"require_initial_remote_config"`
	// NewUserCutoffMs suppresses schedules created before it. Absent or -1
	// disables the cutoff.
	NewUserCutoffMs *int64  `yaml:"new_user_cutoff_ms"`
	SchedulesType   string  `yaml:"schedules_type"`
	URLs            URLConf `yaml:"urls"`
}

// CutoffMs returns the new-user cutoff, or -1 when unset.
func (r RemoteDataConf) CutoffMs() int64 {
	if r.NewUserCutoffMs == nil {
		return -1
	}
	return *r.NewUserCutoffMs
}

// URLConf holds the default service URLs used until remote config
// overrides them.
type URLConf struct {
	RemoteData string `yaml:"remote_data"`
	Device     string `yaml:"device"`
	Analytics  string `yaml:"analytics"`
	Wallet     string `yaml:"wallet"`
}

// DeviceConf describes the device the engine runs for.
type DeviceConf struct {
	Platform   string `yaml:"platform"`
	AppVersion string `yaml:"app_version"`
	SDKVersion string `yaml:"sdk_version"`
	Locale     string `yaml:"locale"`
}

// KafkaConf configures the optional custom event consumer.
type KafkaConf struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"` // comma separated
	GroupID string `yaml:"group_id"`
	Topic   string `yaml:"topic"`
}
