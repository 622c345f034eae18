package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const broadcastChannel = "dispatch:broadcast"

// envelope is the cross-instance broadcast frame. An empty room means the
// implicit global room. Origin lets an instance skip its own publications.
type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Backplane relays broadcast envelopes between console instances over redis
// pub/sub, so every instance fans out the same deltas to its local sessions.
// Delivery is best-effort, matching the realtime core's broadcast contract.
type Backplane struct {
	client *redis.Client
	origin string
	log    zerolog.Logger
}

func NewBackplane(client *redis.Client, log zerolog.Logger) *Backplane {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return &Backplane{
		client: client,
		origin: hex.EncodeToString(buf),
		log:    log,
	}
}

// Publish relays one broadcast to peer instances.
func (b *Backplane) Publish(room, event string, payload []byte) error {
	body, err := json.Marshal(envelope{
		Origin:  b.origin,
		Room:    room,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("backplane marshal: %w", err)
	}
	return b.client.Publish(context.Background(), broadcastChannel, body).Err()
}

// Subscribe delivers envelopes published by peer instances until ctx is
// cancelled. Own publications are filtered out by origin.
func (b *Backplane) Subscribe(ctx context.Context, deliver func(room, event string, payload []byte)) {
	sub := b.client.Subscribe(ctx, broadcastChannel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn().Err(err).Msg("backplane: bad envelope")
					continue
				}
				if env.Origin == b.origin {
					continue
				}
				deliver(env.Room, env.Event, env.Payload)
			}
		}
	}()
}
