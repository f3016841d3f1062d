package appconfig

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API           APIConfig           `yaml:"api"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`
	InstanceID  string `yaml:"instance_id"`
}

type APIConfig struct {
	Port               int    `yaml:"port"`
	GinMode            string `yaml:"gin_mode"`
	DatabaseURL        string `yaml:"database_url"`
	RedisURL           string `yaml:"redis_url"`
	JWTSecret          string `yaml:"jwt_secret"`
	WebhookSecret      string `yaml:"webhook_secret"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	InflightTTLSec     int    `yaml:"inflight_ttl_sec"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

type SweeperConfig struct {
	DatabaseURL        string `yaml:"database_url"`
	RedisURL           string `yaml:"redis_url"`
	MetricsPort        int    `yaml:"metrics_port"`
	DispatchIntervalMs int    `yaml:"dispatch_interval_ms"`
	DispatchBatch      int    `yaml:"dispatch_batch"`
	TaskLeaseSec       int    `yaml:"task_lease_sec"`
	ReconcileTickSec   int    `yaml:"reconcile_tick_sec"`
}

type PipelineConfig struct {
	MaxRetries            int    `yaml:"max_retries"`
	BaseDelayMs           int    `yaml:"base_delay_ms"`
	MaxDelayMs            int    `yaml:"max_delay_ms"`
	BackoffMultiplier     int    `yaml:"backoff_multiplier"`
	BreakerThreshold      int    `yaml:"breaker_threshold"`
	BreakerResetSec       int    `yaml:"breaker_reset_sec"`
	RequireNutritionist   *bool  `yaml:"require_nutritionist"`
	NotificationStreamKey string `yaml:"notification_stream_key"`
	NotificationMaxLen    int64  `yaml:"notification_stream_maxlen"`
	NotificationChannel   string `yaml:"notification_channel"`
}

type RedisConfig struct {
	PoolSize       int `yaml:"pool_size"`
	MinIdleConns   int `yaml:"min_idle_conns"`
	DialTimeoutMs  int `yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

type PostgresConfig struct {
	MaxConns           int `yaml:"max_conns"`
	MinConns           int `yaml:"min_conns"`
	MaxConnLifetimeMin int `yaml:"max_conn_lifetime_min"`
	MaxConnIdleMin     int `yaml:"max_conn_idle_min"`
}

func ResolveConfigPath() string {
	if v := os.Getenv("APP_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	if _, err := os.Stat("/app/config.yaml"); err == nil {
		return "/app/config.yaml"
	}
	return ""
}

func Load() (*Config, string, error) {
	path := ResolveConfigPath()
	if path == "" {
		return &Config{}, "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

func SetEnvIfEmpty(key, value string) {
	if value == "" {
		return
	}
	if _, ok := os.LookupEnv(key); ok {
		return
	}
	_ = os.Setenv(key, value)
}

func SetEnvIfEmptyInt(key string, value int) {
	if value <= 0 {
		return
	}
	SetEnvIfEmpty(key, strconv.Itoa(value))
}

func SetEnvIfEmptyInt64(key string, value int64) {
	if value <= 0 {
		return
	}
	SetEnvIfEmpty(key, strconv.FormatInt(value, 10))
}

func SetEnvIfEmptyBool(key string, value *bool) {
	if value == nil {
		return
	}
	SetEnvIfEmpty(key, strconv.FormatBool(*value))
}

func SetEnvIfEmptySlice(key string, values []string) {
	if len(values) == 0 {
		return
	}
	SetEnvIfEmpty(key, strings.Join(values, ","))
}
