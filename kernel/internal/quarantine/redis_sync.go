package quarantine

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSync shares binary quarantine across nodes. The set key holds every
// quarantined hash; changes are announced on channel as "<hash>:on" or
// "<hash>:off".
type RedisSync struct {
	rdb     *redis.Client
	reg     *Registry
	setKey  string
	channel string
	logger  *zap.Logger
}

func NewRedisSync(rdb *redis.Client, reg *Registry, setKey, channel string, logger *zap.Logger) *RedisSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSync{rdb: rdb, reg: reg, setKey: setKey, channel: channel, logger: logger.Named("quarantine")}
}

// Init loads the fleet set. Attach s (usually behind an AsyncPublisher) with
// Registry.SetPublisher to propagate local changes.
func (s *RedisSync) Init(ctx context.Context) error {
	hashes, err := s.rdb.SMembers(ctx, s.setKey).Result()
	if err != nil {
		return fmt.Errorf("load quarantine set: %w", err)
	}
	for _, h := range hashes {
		s.reg.applyBinary(h, true)
	}
	s.logger.Info("quarantine set loaded", zap.Int("binaries", len(hashes)))
	return nil
}

// Listen applies remote changes until ctx is cancelled.
func (s *RedisSync) Listen(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.processSignal(msg.Payload)
		}
	}
}

func (s *RedisSync) processSignal(payload string) {
	switch {
	case strings.HasSuffix(payload, ":on") && len(payload) > 3:
		s.reg.applyBinary(strings.TrimSuffix(payload, ":on"), true)
	case strings.HasSuffix(payload, ":off") && len(payload) > 4:
		s.reg.applyBinary(strings.TrimSuffix(payload, ":off"), false)
	default:
		s.logger.Warn("ignoring malformed quarantine signal", zap.String("payload", payload))
	}
}

// PublishBinary implements Publisher.
func (s *RedisSync) PublishBinary(ctx context.Context, hash string, on bool) error {
	pipe := s.rdb.TxPipeline()
	state := "off"
	if on {
		state = "on"
		pipe.SAdd(ctx, s.setKey, hash)
	} else {
		pipe.SRem(ctx, s.setKey, hash)
	}
	pipe.Publish(ctx, s.channel, hash+":"+state)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish quarantine %s: %w", state, err)
	}
	return nil
}
