// Package config loads the sync engine configuration from YAML and the environment.
package config

import (
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Local     LocalConfig     `yaml:"local"`
	Remote    RemoteConfig    `yaml:"remote"`
	Push      PushConfig      `yaml:"push"`
	Pull      PullConfig      `yaml:"pull"`
	Compactor CompactorConfig `yaml:"compactor"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AccountConfig identifies the signed-in owner and their subscription tier.
type AccountConfig struct {
	Owner string `yaml:"owner" env:"ACCOUNT_OWNER" env-default:"local"`
	Tier  string `yaml:"tier"  env:"ACCOUNT_TIER"  env-default:"active"`
}

// LocalConfig holds the local durable store settings.
type LocalConfig struct {
	DataDir     string        `yaml:"data_dir"     env:"LOCAL_DATA_DIR"     env-default:"./data"`
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"LOCAL_BUSY_TIMEOUT" env-default:"5s"`
	// SecretKey opens "sealed:" credentials in the remote section. Empty
	// means the machine identifier is used.
	SecretKey string `yaml:"secret_key" env:"LOCAL_SECRET_KEY"`
}

// RemoteConfig selects and configures the remote backend.
type RemoteConfig struct {
	Driver      string         `yaml:"driver"       env:"REMOTE_DRIVER"       env-default:"memory"`
	CallTimeout time.Duration  `yaml:"call_timeout" env:"REMOTE_CALL_TIMEOUT" env-default:"15s"`
	Postgres    PostgresConfig `yaml:"postgres"`
	S3          S3Config       `yaml:"s3"`
}

// PostgresConfig holds the remote PostgreSQL connection settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"                env:"REMOTE_PG_DSN"`
	MaxConns        int32         `yaml:"max_conns"          env:"REMOTE_PG_MAX_CONNS"          env-default:"4"`
	MinConns        int32         `yaml:"min_conns"          env:"REMOTE_PG_MIN_CONNS"          env-default:"0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"REMOTE_PG_MAX_CONN_LIFETIME"  env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"REMOTE_PG_MAX_CONN_IDLE_TIME" env-default:"10m"`
	PageSize        int           `yaml:"page_size"          env:"REMOTE_PG_PAGE_SIZE"          env-default:"500"`
	Migrate         bool          `yaml:"migrate"            env:"REMOTE_PG_MIGRATE"            env-default:"true"`
}

// S3Config holds the S3-compatible object store settings.
type S3Config struct {
	Provider   string `yaml:"provider"    env:"REMOTE_S3_PROVIDER"    env-default:"aws"`
	Endpoint   string `yaml:"endpoint"    env:"REMOTE_S3_ENDPOINT"`
	Bucket     string `yaml:"bucket"      env:"REMOTE_S3_BUCKET"`
	Region     string `yaml:"region"      env:"REMOTE_S3_REGION"      env-default:"us-east-1"`
	AccountID  string `yaml:"account_id"  env:"REMOTE_S3_ACCOUNT_ID"`
	AccessKey  string `yaml:"access_key"  env:"REMOTE_S3_ACCESS_KEY"`
	SecretKey  string `yaml:"secret_key"  env:"REMOTE_S3_SECRET_KEY"`
	Prefix     string `yaml:"prefix"      env:"REMOTE_S3_PREFIX"      env-default:"stocksync/"`
	UseSSL     bool   `yaml:"use_ssl"     env:"REMOTE_S3_USE_SSL"     env-default:"true"`
	PathStyle  bool   `yaml:"path_style"  env:"REMOTE_S3_PATH_STYLE"  env-default:"false"`
	MaxListKey int    `yaml:"max_list_keys" env:"REMOTE_S3_MAX_LIST_KEYS" env-default:"1000"`
}

// PushConfig holds Push Worker settings.
type PushConfig struct {
	Interval         time.Duration `yaml:"interval"           env:"PUSH_INTERVAL"           env-default:"30s"`
	InterCommitDelay time.Duration `yaml:"inter_commit_delay" env:"PUSH_INTER_COMMIT_DELAY" env-default:"100ms"`
	MaxRetries       int           `yaml:"max_retries"        env:"PUSH_MAX_RETRIES"        env-default:"5"`
	QuotaCooldown    time.Duration `yaml:"quota_cooldown"     env:"PUSH_QUOTA_COOLDOWN"     env-default:"24h"`
	AlertWindow      time.Duration `yaml:"alert_window"       env:"PUSH_ALERT_WINDOW"       env-default:"24h"`
}

// PullConfig holds Pull Service settings.
type PullConfig struct {
	CollectionsRaw string        `yaml:"collections"     env:"PULL_COLLECTIONS"     env-default:"items"`
	MinInterval    time.Duration `yaml:"min_interval"    env:"PULL_MIN_INTERVAL"    env-default:"2m"`
	MaxInterval    time.Duration `yaml:"max_interval"    env:"PULL_MAX_INTERVAL"    env-default:"1h"`
	Step           time.Duration `yaml:"step"            env:"PULL_STEP"            env-default:"10m"`
	EmptyThreshold int           `yaml:"empty_threshold" env:"PULL_EMPTY_THRESHOLD" env-default:"1"`

	Collections []string `yaml:"-"`
}

// CompactorConfig holds Log Compactor settings.
type CompactorConfig struct {
	Interval           time.Duration `yaml:"interval"            env:"COMPACTOR_INTERVAL"            env-default:"24h"`
	Retention          time.Duration `yaml:"retention"           env:"COMPACTOR_RETENTION"           env-default:"24h"`
	AbandonedRetention time.Duration `yaml:"abandoned_retention" env:"COMPACTOR_ABANDONED_RETENTION" env-default:"720h"`
}

// NotifyConfig holds the low-stock notification settings.
type NotifyConfig struct {
	LowStockEnabled   bool    `yaml:"low_stock_enabled"   env:"NOTIFY_LOW_STOCK_ENABLED"   env-default:"true"`
	LowStockField     string  `yaml:"low_stock_field"     env:"NOTIFY_LOW_STOCK_FIELD"     env-default:"stock"`
	LowStockThreshold float64 `yaml:"low_stock_threshold" env:"NOTIFY_LOW_STOCK_THRESHOLD" env-default:"5"`
}

// ServerConfig holds the local HTTP/WebSocket server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"127.0.0.1"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// TelemetryConfig controls the in-process counters.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" env:"TELEMETRY_ENABLED" env-default:"false"`
}

// ParseCollections splits a comma-separated collection list, dropping blanks.
func ParseCollections(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
