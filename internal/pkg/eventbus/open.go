package eventbus

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config selects a transport.
type Config struct {
	Driver string // memory, redis, kafka
	Redis  RedisConfig
	Kafka  KafkaConfig
}

// Open builds the transport named by cfg.Driver. The redis client is
// only required for the redis driver.
func Open(cfg Config, rdb *redis.Client, opts Options) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryBus(opts), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis event bus requires REDIS_URL")
		}
		return NewRedisBus(rdb, cfg.Redis, opts), nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return nil, fmt.Errorf("kafka event bus requires brokers and topic")
		}
		return NewKafkaBus(cfg.Kafka, opts), nil
	default:
		return nil, fmt.Errorf("unknown event bus driver: %s", cfg.Driver)
	}
}
