// Package store holds each room's message sequence for a sliding retention
// window. A room's entire history expires atomically once no append has
// happened for the window duration.
package store

import (
	"context"
	"time"

	"github.com/eventchat/go-eventchat/internal/types"
)

// DefaultWindow is the sliding retention window applied on every append.
const DefaultWindow = 30 * time.Second

type MessageStore interface {
	// Append inserts a message into the room's sequence and resets the
	// room's expiry deadline to now + window.
	Append(ctx context.Context, roomId string, msg types.Message) error
	// History returns the room's full sequence in chronological order.
	// A room that does not exist or has expired yields an empty slice.
	History(ctx context.Context, roomId string) ([]types.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Diagnostics reports basic health figures for the backing store.
type Diagnostics struct {
	PingLatency  time.Duration `json:"ping_latency_ms"`
	WriteLatency time.Duration `json:"write_latency_ms"`
	ReadLatency  time.Duration `json:"read_latency_ms"`
	UsedMemory   int64         `json:"used_memory"`
}
