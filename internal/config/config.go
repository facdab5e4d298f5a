package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Store         StoreConfig         `mapstructure:"store"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Scylla        ScyllaConfig        `mapstructure:"scylla"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Leader        LeaderConfig        `mapstructure:"leader"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	AutoDelete    AutoDeleteConfig    `mapstructure:"auto_delete"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig selects the campaign record store implementation.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres | memory
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	EventsTopic       string        `mapstructure:"events_topic"`
	DeletionsTopic    string        `mapstructure:"deletions_topic"`
	DeletionsGroupID  string        `mapstructure:"deletions_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	TopicPartitions   int           `mapstructure:"topic_partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

// LeaderConfig controls the cluster-wide single engine host lease.
type LeaderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type DispatchConfig struct {
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
	PersistTimeout      time.Duration `mapstructure:"persist_timeout"`
	ValidationBatchSize int           `mapstructure:"validation_batch_size"`
}

type AutoDeleteConfig struct {
	Mode string `mapstructure:"mode"` // inprocess | kafka
}

type NotificationsConfig struct {
	Transport string `mapstructure:"transport"` // kafka | nats | none
}

type GatewayConfig struct {
	Provider       string        `mapstructure:"provider"` // evolution | mock
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SuccessRate    float64       `mapstructure:"success_rate"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mass-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.max_batch_size", 200)
	v.SetDefault("leader.key", "mass-dispatch:engine:leader")
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("leader.retry_interval", 5*time.Second)
	v.SetDefault("dispatch.send_timeout", 30*time.Second)
	v.SetDefault("dispatch.persist_timeout", 10*time.Second)
	v.SetDefault("dispatch.validation_batch_size", 50)
	v.SetDefault("auto_delete.mode", "inprocess")
	v.SetDefault("notifications.transport", "kafka")
	v.SetDefault("nats.subject_prefix", "dispatch.campaigns")
	v.SetDefault("gateway.provider", "mock")
	v.SetDefault("gateway.request_timeout", 20*time.Second)
	v.SetDefault("gateway.success_rate", 0.9)
	v.SetDefault("kafka.topic_partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
