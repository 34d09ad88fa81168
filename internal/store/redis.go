package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventchat/go-eventchat/internal/types"
)

// RedisStore keeps each room's messages in a redis list under
// event:{roomId}:messages, newest first. The list's TTL is reset on every
// append, so an idle room loses its whole history at once when redis
// expires the key. Expiry is redis's own passive mechanism; no sweeper
// runs in this process.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

func NewRedisStore(addr string, window time.Duration) *RedisStore {
	if window <= 0 {
		window = DefaultWindow
	}

	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		window: window,
	}
}

func roomKey(roomId string) string {
	return "event:" + roomId + ":messages"
}

// Append pushes the message and resets the room's expiry in a single
// transactional pipeline, so the deadline reset can never be reordered
// against the insert under concurrent appends.
func (s *RedisStore) Append(ctx context.Context, roomId string, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := roomKey(roomId)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message to %q: %w", key, err)
	}

	return nil
}

func (s *RedisStore) History(ctx context.Context, roomId string) ([]types.Message, error) {
	key := roomKey(roomId)
	entries, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages from %q: %w", key, err)
	}

	// Stored newest-first, returned oldest-first.
	messages := make([]types.Message, len(entries))
	for i, entry := range entries {
		var msg types.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message in %q: %w", key, err)
		}
		messages[len(entries)-1-i] = msg
	}

	return messages, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

var usedMemoryRe = regexp.MustCompile(`used_memory:(\d+)`)

// Diagnostics measures round-trip latencies and memory usage of the
// backing redis instance.
func (s *RedisStore) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics

	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return d, fmt.Errorf("ping: %w", err)
	}
	d.PingLatency = time.Since(start)

	start = time.Now()
	if err := s.client.Set(ctx, "eventchat:diagnostics", "value", time.Minute).Err(); err != nil {
		return d, fmt.Errorf("diagnostic write: %w", err)
	}
	d.WriteLatency = time.Since(start)

	start = time.Now()
	if err := s.client.Get(ctx, "eventchat:diagnostics").Err(); err != nil {
		return d, fmt.Errorf("diagnostic read: %w", err)
	}
	d.ReadLatency = time.Since(start)

	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return d, fmt.Errorf("memory info: %w", err)
	}
	if m := usedMemoryRe.FindStringSubmatch(info); m != nil {
		d.UsedMemory, _ = strconv.ParseInt(m[1], 10, 64)
	}

	return d, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
