package server

import (
	"context"
	"fmt"

	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisClient(cfg StoreConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// OpenStore connects the shared room store selected by cfg. The memory
// backend keeps rooms inside this process, which is only correct for a
// single-instance deployment.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		logger.Warn("Using in-process room store; rooms are not shared with other instances")
		return store.NewMemoryStore(), nil

	case BackendRedis:
		s := store.NewRedisStore(newRedisClient(cfg))
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("Connected to Redis room store", zap.String("addr", cfg.RedisAddr))
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// OpenRelay connects the pub/sub bus selected by cfg. The Redis relay uses
// its own connection, separate from the store's, because a subscribed Redis
// connection cannot issue other commands.
func OpenRelay(ctx context.Context, cfg Config, logger *zap.Logger) (relay.Relay, error) {
	switch cfg.Relay.Backend {
	case BackendLocal:
		logger.Warn("Using in-process relay; messages are not shared with other instances")
		return relay.NewLocalRelay(), nil

	case BackendRedis:
		client := newRedisClient(cfg.Store)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: ping %s: %w", relay.ErrUnavailable, cfg.Store.RedisAddr, err)
		}
		logger.Info("Connected to Redis relay", zap.String("addr", cfg.Store.RedisAddr))
		return relay.NewRedisRelay(client, logger), nil

	case BackendNATS:
		conn, err := relay.DialNATS(cfg.Relay.NATSURL, "roomrelay-"+cfg.InstanceID, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to NATS relay", zap.String("url", conn.ConnectedUrl()))
		return relay.NewNATSRelay(conn, logger), nil

	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
}
