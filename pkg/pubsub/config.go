package pubsub

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus drivers.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects the fan-out bus.
type Config struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the single-instance memory bus with Redis settings
// ready for a switch to the redis driver.
func DefaultConfig() Config {
	return Config{
		Driver: DriverMemory,
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// NewPubSub creates the configured bus. The redis driver reuses client
// when one is given and dials cfg.Redis otherwise.
func NewPubSub(cfg Config, client *redis.Client) (PubSub, error) {
	switch cfg.Driver {
	case DriverRedis:
		if client != nil {
			return NewRedisPubSubFromClient(client), nil
		}
		return NewRedisPubSub(cfg.Redis)
	case DriverMemory, "":
		return NewMemoryPubSub(), nil
	default:
		return nil, fmt.Errorf("pubsub: unknown driver %q", cfg.Driver)
	}
}
