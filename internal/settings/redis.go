package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix      = "boothcall:"
	updatesChannel = keyPrefix + "settings"
)

// RedisStore keeps settings as JSON values in Redis and announces every
// write on a pub/sub channel so other server instances can push it.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at url (redis://...).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Key returns the Redis key holding a room's settings.
func Key(roomID string) string {
	return fmt.Sprintf("%sroom:%s:settings", keyPrefix, roomID)
}

func (r *RedisStore) Get(ctx context.Context, roomID string) (signaling.RoomSettings, error) {
	var s signaling.RoomSettings

	data, err := r.client.Get(ctx, Key(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return s, nil
		}
		return s, fmt.Errorf("redis: get settings for room %s: %w", roomID, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("redis: decode settings for room %s: %w", roomID, err)
	}
	return s, nil
}

func (r *RedisStore) Put(ctx context.Context, roomID string, s signaling.RoomSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(roomID), data, 0)
		pipe.Publish(ctx, updatesChannel, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put settings for room %s: %w", roomID, err)
	}
	return nil
}

// Watch calls fn with the room id of every settings write until ctx is done.
func (r *RedisStore) Watch(ctx context.Context, fn func(roomID string)) error {
	sub := r.client.Subscribe(ctx, updatesChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", updatesChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if id := strings.TrimSpace(msg.Payload); id != "" {
				fn(id)
			}
		}
	}
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
