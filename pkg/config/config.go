package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Search    SearchConfig    `mapstructure:"search"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// EngineConfig tunes the execution engine proper.
type EngineConfig struct {
	EventBus          string `mapstructure:"event_bus"` // kafka or memory
	RetryBaseDelayMS  int    `mapstructure:"retry_base_delay_ms"`
	NodeTimeoutSec    int    `mapstructure:"node_timeout_sec"`
	CheckpointTTLMin  int    `mapstructure:"checkpoint_ttl_min"`
	BreakerEnabled    bool   `mapstructure:"breaker_enabled"`
	UsageTracking     bool   `mapstructure:"usage_tracking"`
	StaleRunThreshold int    `mapstructure:"stale_run_threshold_min"`
}

type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	LeaderTTLSec    int  `mapstructure:"leader_ttl_sec"`
	MisfireCheckMin int  `mapstructure:"misfire_check_min"`
}

type WebhookConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSec     int  `mapstructure:"timeout_sec"`
	MaxFailures    int  `mapstructure:"max_failures"`
	RatePerSecond  int  `mapstructure:"rate_per_second"`
	RateBurst      int  `mapstructure:"rate_burst"`
}

type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type SearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type ClusterConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
	TTLSec        int      `mapstructure:"ttl_sec"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	RBACModel string `mapstructure:"rbac_model"`
}

type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RatePerSecond int  `mapstructure:"rate_per_second"`
	Burst         int  `mapstructure:"burst"`
	Distributed   bool `mapstructure:"distributed"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/waveflow")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("WAVEFLOW")

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine, defaults and env vars carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(&config)

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "waveflow")
	viper.SetDefault("database.password", "waveflow123")
	viper.SetDefault("database.name", "waveflow")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "waveflow-engine")

	viper.SetDefault("engine.event_bus", "kafka")
	viper.SetDefault("engine.retry_base_delay_ms", 1000)
	viper.SetDefault("engine.node_timeout_sec", 300)
	viper.SetDefault("engine.checkpoint_ttl_min", 1440)
	viper.SetDefault("engine.breaker_enabled", true)
	viper.SetDefault("engine.usage_tracking", true)
	viper.SetDefault("engine.stale_run_threshold_min", 30)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.leader_ttl_sec", 10)
	viper.SetDefault("scheduler.misfire_check_min", 1)

	viper.SetDefault("webhook.enabled", true)
	viper.SetDefault("webhook.timeout_sec", 10)
	viper.SetDefault("webhook.max_failures", 10)
	viper.SetDefault("webhook.rate_per_second", 5)
	viper.SetDefault("webhook.rate_burst", 10)

	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.region", "us-east-1")
	viper.SetDefault("archive.retention_days", 30)

	viper.SetDefault("search.enabled", false)
	viper.SetDefault("search.addresses", []string{"http://localhost:9200"})

	viper.SetDefault("cluster.enabled", false)
	viper.SetDefault("cluster.etcd_endpoints", []string{"localhost:2379"})
	viper.SetDefault("cluster.ttl_sec", 15)

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwt_secret", "development-secret-change-in-production")
	viper.SetDefault("auth.issuer", "waveflow")
	viper.SetDefault("auth.rbac_model", "deployments/rbac/model.conf")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.rate_per_second", 50)
	viper.SetDefault("rate_limit.burst", 100)
	viper.SetDefault("rate_limit.distributed", false)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	viper.SetDefault("telemetry.sampling_rate", 1.0)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
	viper.SetDefault("logger.stacktrace", false)
}

func overrideFromEnv(cfg *Config) {
	// Viper reads WAVEFLOW_DATABASE_HOST, WAVEFLOW_KAFKA_BROKERS, etc.
	if host := viper.GetString("DATABASE_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := viper.GetInt("DATABASE_PORT"); port != 0 {
		cfg.Database.Port = port
	}
	if user := viper.GetString("DATABASE_USER"); user != "" {
		cfg.Database.User = user
	}
	if pass := viper.GetString("DATABASE_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if name := viper.GetString("DATABASE_NAME"); name != "" {
		cfg.Database.Name = name
	}

	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := viper.GetInt("REDIS_PORT"); redisPort != 0 {
		cfg.Redis.Port = redisPort
	}

	if brokers := viper.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if servicePort := viper.GetInt("SERVER_PORT"); servicePort != 0 {
		cfg.Server.Port = servicePort
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *EngineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c *EngineConfig) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutSec) * time.Second
}

func (c *EngineConfig) CheckpointTTL() time.Duration {
	return time.Duration(c.CheckpointTTLMin) * time.Minute
}

func (c *SchedulerConfig) LeaderTTL() time.Duration {
	return time.Duration(c.LeaderTTLSec) * time.Second
}

func (c *SchedulerConfig) MisfireInterval() time.Duration {
	return time.Duration(c.MisfireCheckMin) * time.Minute
}

func (c *WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c *ClusterConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}
