package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// LoadDefaultRedisConfig reads the Redis connection from the environment.
// An empty Addr means Redis invalidation is disabled.
func LoadDefaultRedisConfig() *RedisConfig {
	cfg := &RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Channel:  "apisync:invalidations",
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if val, err := strconv.Atoi(db); err == nil {
			cfg.DB = val
		}
	}
	if channel := os.Getenv("APISYNC_REDIS_CHANNEL"); channel != "" {
		cfg.Channel = channel
	}
	return cfg
}

// RedisTransport publishes and receives invalidation events over Redis pub/sub.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisTransport connects to Redis. It pings the server before returning.
func NewRedisTransport(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("channel", cfg.Channel).Msg("Successfully connected to Redis.")
	return &RedisTransport{
		client:  rdb,
		channel: cfg.Channel,
		logger:  logger.With().Str("component", "RedisTransport").Logger(),
	}, nil
}

// Publish sends ev on the channel.
func (t *RedisTransport) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation to redis: %w", err)
	}
	return nil
}

// Run receives until ctx is done.
func (t *RedisTransport) Run(ctx context.Context, handle func(Event)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed so no event published after Run starts is missed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}
	t.logger.Info().Msg("Listening for invalidations.")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Warn().Err(err).Msg("Dropping malformed invalidation message.")
				continue
			}
			handle(ev)
		}
	}
}

// Close closes the Redis client connection.
func (t *RedisTransport) Close() error {
	t.logger.Info().Msg("Closing Redis client connection.")
	return t.client.Close()
}
