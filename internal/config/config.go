package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file loaded before the environment.
const FileEnv = "TEST_MANAGER_CONFIG"

// Config holds all configuration for the test manager.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	ConfigFile string `json:"config_file,omitempty"`

	HTTPAddr string `json:"http_addr"`
	BasePath string `json:"base_path"`

	OrchestratorRedisAddr     string `json:"orchestrator_redis_addr"`
	OrchestratorRedisPassword string `json:"orchestrator_redis_password,omitempty"`

	// CoreCacheRedisAddr defaults to the orchestrator store.
	CoreCacheRedisAddr     string `json:"core_cache_redis_addr"`
	CoreCacheRedisPassword string `json:"core_cache_redis_password,omitempty"`

	EntityEngineURL string `json:"entity_engine_url"`

	DisconnectGrace    time.Duration `json:"-"`
	DisconnectGraceStr string        `json:"disconnect_grace"`

	MaxJobDuration    time.Duration `json:"-"`
	MaxJobDurationStr string        `json:"max_job_duration"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	// MaxRunningTests caps running tests per workspace; 0 disables the cap.
	MaxRunningTests int `json:"max_running_tests"`
	// ConsoleMessageLimit stops relaying console output of a job at this
	// count; 0 disables it.
	ConsoleMessageLimit int `json:"console_message_limit"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	StatsEnabled  bool   `json:"stats_enabled"`
	StatsSchedule string `json:"stats_schedule"`

	// DatabaseURL enables leader election for the statistics forwarder.
	DatabaseURL string `json:"database_url,omitempty"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	fileErr error
}

// source resolves a variable from the environment, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return s.file[strings.ToLower(name)]
}

// readFile loads a flat YAML mapping. Keys are the lower-case variable
// names, e.g. "orchestrator_redis_addr".
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// Load reads configuration from environment variables with defaults.
// When TEST_MANAGER_CONFIG names a YAML file its values are used for any
// variable not set in the environment. A file that cannot be read is
// reported by Validate.
func Load() Config {
	var src source
	cfg := Config{ConfigFile: os.Getenv(FileEnv)}
	if cfg.ConfigFile != "" {
		src.file, cfg.fileErr = readFile(cfg.ConfigFile)
	}

	cfg.HTTPAddr = src.get("HTTP_ADDR")
	cfg.BasePath = src.get("BASE_PATH")
	cfg.OrchestratorRedisAddr = src.get("ORCHESTRATOR_REDIS_ADDR")
	cfg.OrchestratorRedisPassword = src.get("ORCHESTRATOR_REDIS_PASSWORD")
	cfg.CoreCacheRedisAddr = src.get("CORE_CACHE_REDIS_ADDR")
	cfg.CoreCacheRedisPassword = src.get("CORE_CACHE_REDIS_PASSWORD")
	cfg.EntityEngineURL = src.get("ENTITY_ENGINE_URL")
	cfg.DisconnectGraceStr = src.get("DISCONNECT_GRACE")
	cfg.MaxJobDurationStr = src.get("MAX_JOB_DURATION")
	cfg.HTTPShutdownTimeoutStr = src.get("HTTP_SHUTDOWN_TIMEOUT")
	cfg.MetricsEnabled = src.get("METRICS_ENABLED") == "true"
	cfg.MetricsPath = src.get("METRICS_PATH")
	cfg.MetricsPort = src.get("METRICS_PORT")
	cfg.StatsEnabled = src.get("STATS_ENABLED") == "true"
	cfg.StatsSchedule = src.get("STATS_SCHEDULE")
	cfg.DatabaseURL = src.get("DATABASE_URL")
	cfg.LeaderRetryIntervalStr = src.get("LEADER_RETRY_INTERVAL")
	cfg.LeaderHeartbeatIntervalStr = src.get("LEADER_HEARTBEAT_INTERVAL")

	if lockKeyStr := src.get("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 728380", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 728380
	}
	cfg.MaxRunningTests = src.count("MAX_RUNNING_TESTS", 5)
	cfg.ConsoleMessageLimit = src.count("CONSOLE_MESSAGE_LIMIT", 100)

	if cfg.HTTPAddr == "" {
		if port := src.get("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/test-manager"
	}
	if cfg.CoreCacheRedisAddr == "" {
		cfg.CoreCacheRedisAddr = cfg.OrchestratorRedisAddr
		if cfg.CoreCacheRedisPassword == "" {
			cfg.CoreCacheRedisPassword = cfg.OrchestratorRedisPassword
		}
	}
	if cfg.DisconnectGraceStr == "" {
		cfg.DisconnectGraceStr = "1s"
	}
	if cfg.MaxJobDurationStr == "" {
		cfg.MaxJobDurationStr = "30m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.StatsSchedule == "" {
		cfg.StatsSchedule = "@every 10s"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.DisconnectGraceStr); err == nil {
		cfg.DisconnectGrace = d
	}
	if d, err := time.ParseDuration(cfg.MaxJobDurationStr); err == nil {
		cfg.MaxJobDuration = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// count reads a non-negative integer, falling back to def when unset or invalid.
func (s source) count(name string, def int) int {
	raw := s.get(name)
	if raw == "" {
		return def
	}
	n, err := parseInt(raw)
	if err != nil {
		log.Printf("config: invalid %s %q (must be a non-negative integer), using default %d", name, raw, def)
		return def
	}
	return n
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.OrchestratorRedisPassword = maskSecret(c.OrchestratorRedisPassword)
	masked.CoreCacheRedisPassword = maskSecret(c.CoreCacheRedisPassword)
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.EntityEngineURL = maskURL(c.EntityEngineURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}

// maskURL hides credentials embedded in a URL's user info.
func maskURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return s
}
