package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannelPrefix namespaces mirrored events in Redis.
const DefaultChannelPrefix = "fabstir:events:"

// RedisMirror republishes every bus event onto Redis Pub/Sub channels so
// operator tooling running in another process can observe the agent. The
// mirror is strictly best-effort: a Redis outage never affects local
// subscribers or agent operation.
type RedisMirror struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
	done   chan struct{}
}

// NewRedisMirror connects to addr and returns a mirror ready to Run.
func NewRedisMirror(addr, prefix string, logger zerolog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		log:    logger,
		done:   make(chan struct{}),
	}
}

// Run subscribes to all bus events and mirrors them until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context, bus *Bus) {
	defer close(m.done)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.publish(ctx, ev)
		}
	}
}

// Close waits for Run to drain and releases the connection.
func (m *RedisMirror) Close() error {
	<-m.done
	return m.client.Close()
}

func (m *RedisMirror) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn().Err(err).Str("type", ev.Type).Msg("event mirror marshal failed")
		return
	}
	if err := m.client.Publish(ctx, m.prefix+ev.Type, data).Err(); err != nil {
		m.log.Debug().Err(err).Str("type", ev.Type).Msg("event mirror publish failed")
	}
}
