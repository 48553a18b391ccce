package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	pkgconfig "github.com/monkeyscloud/monkeyswork-realtime/pkg/config"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/pubsub"
)

type Config struct {
	Server      ServerConfig
	Environment string
	WebSocket   WebSocketConfig
	JWT         JWTConfig
	Events      EventsConfig
	PubSub      PubSubConfig
	Redis       RedisConfig
	Risk        RiskConfig
	Log         LogConfig

	v *viper.Viper
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	// Namespaces lists the accepted namespaces; empty accepts any.
	Namespaces []string
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type EventsConfig struct {
	Driver      string
	Source      string
	Version     string
	SubjectKeys []string `mapstructure:"subject_keys"`
	Kafka       KafkaConfig
	Stream      StreamConfig
	Retry       RetryConfig
}

type KafkaConfig struct {
	Brokers      string
	Partitions   int
	EnsureTopics bool `mapstructure:"ensure_topics"`
}

type StreamConfig struct {
	MaxLen int64 `mapstructure:"max_len"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxTries        uint          `mapstructure:"max_tries"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

type PubSubConfig struct {
	Driver string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int `mapstructure:"pool_size"`
}

type RiskConfig struct {
	Enabled        bool
	BaseURL        string        `mapstructure:"base_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// PubSubBus returns the fan-out bus configuration.
func (c *Config) PubSubBus() pubsub.Config {
	cfg := pubsub.DefaultConfig()
	cfg.Driver = c.PubSub.Driver
	cfg.Redis.Address = c.Redis.Address
	cfg.Redis.Password = c.Redis.Password
	cfg.Redis.DB = c.Redis.DB
	if c.Redis.PoolSize > 0 {
		cfg.Redis.PoolSize = c.Redis.PoolSize
	}
	return cfg
}

// NeedsRedis reports whether any component uses the Redis client.
func (c *Config) NeedsRedis() bool {
	return c.PubSub.Driver == "redis" || c.Events.Driver == "redis"
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("environment", "development")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.namespaces", []string{"messages", "notifications"})
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("events.driver", "memory")
	v.SetDefault("events.source", "realtime-gateway")
	v.SetDefault("events.version", "1.0")
	v.SetDefault("events.subject_keys", []string{"id"})
	v.SetDefault("events.kafka.brokers", "localhost:9092")
	v.SetDefault("events.kafka.partitions", 3)
	v.SetDefault("events.kafka.ensure_topics", true)
	v.SetDefault("events.stream.max_len", 100000)
	v.SetDefault("events.retry.initial_interval", "200ms")
	v.SetDefault("events.retry.max_interval", "5s")
	v.SetDefault("events.retry.max_tries", 5)
	v.SetDefault("events.retry.attempt_timeout", "10s")
	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.base_url", "http://localhost:8000")
	v.SetDefault("risk.connect_timeout", "1s")
	v.SetDefault("risk.timeout", "2s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("jwt.issuer", "JWT_ISSUER")
	v.BindEnv("events.driver", "EVENTS_DRIVER")
	v.BindEnv("events.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("risk.enabled", "RISK_ENABLED")
	v.BindEnv("risk.base_url", "RISK_BASE_URL")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Events.Retry.InitialInterval = pkgconfig.Duration(v, "events.retry.initial_interval", 200*time.Millisecond)
	cfg.Events.Retry.MaxInterval = pkgconfig.Duration(v, "events.retry.max_interval", 5*time.Second)
	cfg.Events.Retry.AttemptTimeout = pkgconfig.Duration(v, "events.retry.attempt_timeout", 10*time.Second)
	cfg.Risk.ConnectTimeout = pkgconfig.Duration(v, "risk.connect_timeout", time.Second)
	cfg.Risk.Timeout = pkgconfig.Duration(v, "risk.timeout", 2*time.Second)

	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.v = v
	return &cfg, nil
}

// WatchLogLevel calls fn with the configured log level whenever the config
// file is rewritten. It does nothing when no file was loaded.
func (c *Config) WatchLogLevel(fn func(level string)) bool {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return false
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(c.v.GetString("log.level"))
	})
	c.v.WatchConfig()
	return true
}
