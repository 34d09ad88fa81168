package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventchat/go-eventchat/internal/types"
)

const testRedisAddr = "localhost:6379"

// setupTestStore returns a RedisStore backed by a local redis, skipping
// the test when none is reachable.
func setupTestStore(t *testing.T, window time.Duration) *RedisStore {
	t.Helper()

	s := NewRedisStore(testRedisAddr, window)

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis not available at %s: %v", testRedisAddr, err)
	}

	t.Cleanup(func() {
		s.client.Del(ctx, roomKey(t.Name()))
		s.Close()
	})

	return s
}

func testMessage(id, text string) types.Message {
	return types.Message{
		Id:       id,
		Text:     text,
		SenderId: "sender-1",
		SentAt:   time.Now().UnixMilli(),
	}
}

func TestRedisStore_AppendAndHistory(t *testing.T) {
	s := setupTestStore(t, time.Minute)
	ctx := context.Background()

	m1 := testMessage("m1", "first")
	m2 := testMessage("m2", "second")

	require.NoError(t, s.Append(ctx, t.Name(), m1))
	require.NoError(t, s.Append(ctx, t.Name(), m2))

	history, err := s.History(ctx, t.Name())
	require.NoError(t, err)
	assert.Equal(t, []types.Message{m1, m2}, history,
		"expected history in chronological order")
}

func TestRedisStore_HistoryMissingRoom(t *testing.T) {
	s := setupTestStore(t, time.Minute)

	history, err := s.History(context.Background(), t.Name())
	require.NoError(t, err, "missing room must not be an error")
	assert.Empty(t, history, "expected empty history for missing room")
}

func TestRedisStore_SlidingWindowEviction(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping eviction timing test in short mode")
	}

	const window = 2 * time.Second
	s := setupTestStore(t, window)
	ctx := context.Background()

	m1 := testMessage("m1", "first")
	require.NoError(t, s.Append(ctx, t.Name(), m1))

	// A second append resets the whole room's deadline, so m1 outlives
	// its own age as long as the room stays active.
	time.Sleep(500 * time.Millisecond)
	m2 := testMessage("m2", "second")
	require.NoError(t, s.Append(ctx, t.Name(), m2))

	time.Sleep(time.Second)
	history, err := s.History(ctx, t.Name())
	require.NoError(t, err)
	assert.Equal(t, []types.Message{m1, m2}, history,
		"expected both messages within the window")

	// Past the window with no further appends the whole room is gone.
	time.Sleep(window)
	history, err = s.History(ctx, t.Name())
	require.NoError(t, err)
	assert.Empty(t, history, "expected whole room evicted after the window")
}

func TestRedisStore_Diagnostics(t *testing.T) {
	s := setupTestStore(t, time.Minute)

	d, err := s.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Greater(t, d.UsedMemory, int64(0), "expected used memory to be reported")
}

func TestRedisStore_AppendUnavailable(t *testing.T) {
	s := &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: "localhost:1", MaxRetries: -1}),
		window: time.Minute,
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := s.Append(ctx, t.Name(), testMessage("m1", "first"))
	assert.Error(t, err, "expected append to fail when the store is unreachable")

	_, err = s.History(ctx, t.Name())
	assert.Error(t, err, "expected history to fail when the store is unreachable")
}
