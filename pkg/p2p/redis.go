package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "runeswap:v1:"

// RedisNet is a transport over redis pub/sub, one channel per key.
type RedisNet struct {
	client *redis.Client
	log    *zap.SugaredLogger

	mu   sync.Mutex
	subs []*redis.PubSub
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *zap.SugaredLogger
}

func NewRedisNet(ctx context.Context, cfg RedisConfig) (*RedisNet, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Infow("redis_ready", "addr", cfg.Addr)
	return &RedisNet{client: client, log: log}, nil
}

func (n *RedisNet) Publish(ctx context.Context, key string, payload []byte) error {
	return n.client.Publish(ctx, redisChannelPrefix+key, payload).Err()
}

func (n *RedisNet) Listen(ctx context.Context, key string, deliver func([]byte)) error {
	ps := n.client.Subscribe(ctx, redisChannelPrefix+key)
	// wait for the subscription confirmation so nothing published after
	// Listen returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", key, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, ps)
	n.mu.Unlock()

	go func() {
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (n *RedisNet) Close() error {
	n.mu.Lock()
	for _, ps := range n.subs {
		_ = ps.Close()
	}
	n.subs = nil
	n.mu.Unlock()
	return n.client.Close()
}
