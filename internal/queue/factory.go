package queue

import (
	"fmt"
	"strings"

	"github.com/mirrornode/edgenode/internal/config"
)

// NewPublisher creates a Publisher based on configuration.
// An empty type means no publishing.
func NewPublisher(cfg config.UsageConfig) (Publisher, error) {
	queueType := Type(strings.ToLower(cfg.Type))

	if queueType == "" {
		queueType = TypeNone
	}

	switch queueType {
	case TypeNone:
		return nopPublisher{}, nil

	case TypeNATS:
		return newNATSPublisher(cfg.URL)

	case TypeRedis:
		return newRedisPublisher(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
		})

	case TypeKafka:
		return newKafkaPublisher(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
		})

	case TypeMemory:
		return NewMemoryPublisher(), nil

	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: none, nats, redis, kafka, memory)", queueType)
	}
}
