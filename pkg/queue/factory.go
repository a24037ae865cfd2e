package queue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/config"
)

// NewProducer creates a Producer for the configured backend.
func NewProducer(cfg config.QueueConfig, logger *zap.Logger) (Producer, error) {
	switch cfg.Type {
	case "local", "":
		logger.Info("creating local queue producer")
		return NewLocalProducer(cfg.MaxAttempts, logger), nil
	case "redis":
		logger.Info("creating Redis queue producer", zap.String("addr", cfg.Redis.Addr))
		return NewRedisProducer(cfg.Redis, cfg.MaxAttempts, logger)
	case "kafka":
		logger.Info("creating Kafka queue producer", zap.Strings("brokers", cfg.Kafka.Brokers))
		return NewKafkaProducer(cfg.Kafka, cfg.MaxAttempts, logger)
	default:
		return nil, fmt.Errorf("%w: unknown queue type %q", ErrInvalidConfiguration, cfg.Type)
	}
}
