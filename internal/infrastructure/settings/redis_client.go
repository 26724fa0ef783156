package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisClientConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects with a pooled client and verifies the connection
// with a PING before returning.
func NewRedisClient(ctx context.Context, cfg RedisClientConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	logger.Infow("connected to Redis",
		"address", cfg.Address,
		"db", cfg.DB,
		"pool_size", cfg.PoolSize,
	)
	return client, nil
}
