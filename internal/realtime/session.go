package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lsmic/dispatch/internal/core/domain"
)

const (
	sendBuffer    = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	maxFrameBytes = 64 * 1024
)

// Session binds one live websocket connection to its authenticated identity.
// The identity is immutable for the session's lifetime. Outbound frames go
// through a buffered channel drained by the write pump; pushes never block a
// broadcaster.
type Session struct {
	conn     *websocket.Conn
	identity domain.Identity
	send     chan []byte
	quit     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

func newSession(conn *websocket.Conn, identity domain.Identity, log zerolog.Logger) *Session {
	if conn != nil {
		conn.SetReadLimit(maxFrameBytes)
	}
	return &Session{
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		quit:     make(chan struct{}),
		log:      log.With().Str("userId", identity.UserID).Logger(),
	}
}

// Identity returns the claim the session was authenticated with.
func (s *Session) Identity() domain.Identity {
	return s.identity
}

// Emit marshals payload into a frame and queues it for this session only.
func (s *Session) Emit(event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("marshal emit payload")
		return false
	}
	return s.push(frameBytes(event, data))
}

// push queues an already-encoded frame. It never blocks: a slow consumer
// with a full buffer loses the frame rather than stalling the sender.
func (s *Session) push(frame []byte) bool {
	select {
	case <-s.quit:
		return false
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.quit)
	})
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.quit:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readFrame blocks until the next inbound frame, refreshing the read
// deadline via the pong handler.
func (s *Session) readFrame() (Frame, error) {
	var f Frame
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, errMalformedFrame
	}
	return f, nil
}

func (s *Session) setupRead() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func frameBytes(event string, data json.RawMessage) []byte {
	b, _ := json.Marshal(Frame{Event: event, Data: data})
	return b
}
