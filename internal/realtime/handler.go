package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lsmic/dispatch/internal/api/metrics"
	"github.com/lsmic/dispatch/internal/core/ports"
)

const handshakeWait = 10 * time.Second

// WSHandler performs the websocket upgrade and the authentication handshake,
// then hands the connection to the dispatcher. A connection that fails
// authentication is refused before any session exists: it never joins a room
// and never receives a broadcast.
type WSHandler struct {
	verifier   ports.TokenVerifier
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

func NewWSHandler(verifier ports.TokenVerifier, dispatcher *Dispatcher, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Handle is the echo route for GET /ws. It blocks for the lifetime of the
// session.
func (h *WSHandler) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return nil
	}

	// The token may arrive in the Authorization header, the token query
	// parameter, or a first-frame auth payload. All three are accepted for
	// client compatibility.
	token := bearerToken(c.Request())
	if token == "" {
		token = h.awaitAuthFrame(conn)
	}
	if token == "" {
		metrics.AuthFailuresTotal.WithLabelValues("missing_token").Inc()
		refuse(conn)
		return nil
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("invalid_token").Inc()
		h.log.Debug().Err(err).Msg("handshake token rejected")
		refuse(conn)
		return nil
	}

	h.dispatcher.ServeSession(conn, identity)
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

// awaitAuthFrame reads the first frame and extracts the token from an auth
// payload. Anything else, or silence past the handshake window, counts as a
// missing token.
func (h *WSHandler) awaitAuthFrame(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event != CmdAuth {
		return ""
	}
	var p authPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return ""
	}
	return p.Token
}

// refuse hard-closes an unauthenticated connection. Not retryable: the
// client needs a new token, not another attempt with the same one.
func refuse(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication error")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
