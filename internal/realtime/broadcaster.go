package realtime

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/lsmic/dispatch/internal/api/metrics"
)

// Publisher is the single fan-out point consumed by the dispatcher. Every
// broadcast in the command catalog goes through one of these two calls.
type Publisher interface {
	// ToRoom delivers an event to every session in the room. Unknown or
	// empty rooms silently no-op.
	ToRoom(room, event string, payload any)
	// Global delivers an event to every registered session.
	Global(event string, payload any)
}

// Backplane propagates broadcast envelopes to peer instances so a
// multi-instance deployment fans out the same deltas everywhere.
type Backplane interface {
	Publish(room, event string, payload []byte) error
}

// Broadcaster resolves rooms against the session store and pushes encoded
// frames onto session buffers. Delivery is fire-and-forget: it never blocks
// the command handler, and a session with a full buffer drops the frame.
type Broadcaster struct {
	store     *Store
	backplane Backplane
	log       zerolog.Logger
}

func NewBroadcaster(store *Store, backplane Backplane, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{store: store, backplane: backplane, log: log}
}

func (b *Broadcaster) ToRoom(room, event string, payload any) {
	// An empty room names nobody, never the global room. Commands that fail
	// to resolve a target id must not widen into a global broadcast.
	if room == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error().Err(err).Str("event", event).Msg("marshal broadcast payload")
		return
	}
	b.Deliver(room, event, data)
	b.relay(room, event, data)
}

func (b *Broadcaster) Global(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error().Err(err).Str("event", event).Msg("marshal broadcast payload")
		return
	}
	b.Deliver("", event, data)
	b.relay("", event, data)
}

// Deliver pushes an encoded payload to local sessions. This is also the
// entry point for envelopes arriving from the backplane. The empty room is
// the implicit global room here; only Global and the envelopes it publishes
// use it, since ToRoom refuses empty rooms.
func (b *Broadcaster) Deliver(room, event string, data []byte) {
	var targets []*Session
	if room == "" {
		targets = b.store.Snapshot()
	} else {
		targets = b.store.SessionsIn(room)
	}

	frame := frameBytes(event, data)
	for _, s := range targets {
		if !s.push(frame) {
			metrics.BroadcastsDropped.WithLabelValues(event).Inc()
		}
	}
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()
}

func (b *Broadcaster) relay(room, event string, data []byte) {
	if b.backplane == nil {
		return
	}
	if err := b.backplane.Publish(room, event, data); err != nil {
		b.log.Warn().Err(err).Str("event", event).Msg("backplane publish failed")
	}
}
