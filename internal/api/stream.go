package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/engine"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamSendBuffer = 8
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The widget is embedded on arbitrary merchant pages.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusFrame is what the widget receives on connect and on every transition.
type statusFrame struct {
	SessionID     string             `json:"sessionId"`
	Status        core.SessionStatus `json:"status"`
	Confirmations uint64             `json:"confirmations"`
	TxID          string             `json:"txId,omitempty"`
	ExpiresAt     time.Time          `json:"expiresAt"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan statusFrame
}

// StreamHub fans session transitions out to widget websocket subscribers.
// Clients authenticate with the session's subscription token, so a hub
// connection can only ever observe the one session it was minted for.
type StreamHub struct {
	engine *engine.Engine
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*streamClient]struct{} // session id -> clients
}

func NewStreamHub(eng *engine.Engine) *StreamHub {
	return &StreamHub{
		engine:  eng,
		logger:  slog.With("component", "stream"),
		clients: make(map[string]map[*streamClient]struct{}),
	}
}

// HandleWS upgrades a widget connection after checking the subscription
// token and pushes the current status as the first frame.
func (h *StreamHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")

	session, err := h.engine.GetSession(r.Context(), sessionID)
	if err != nil || !tokenEqual(session.SubscriptionToken, token) {
		// Same response for unknown session and bad token.
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	client := &streamClient{conn: conn, send: make(chan statusFrame, streamSendBuffer)}
	h.register(sessionID, client)

	client.send <- frameFor(session)

	go h.writePump(sessionID, client)
	go h.readPump(sessionID, client)
}

// Broadcast pushes a transition to every subscriber of the session.
// Slow clients are dropped rather than blocking the engine.
func (h *StreamHub) Broadcast(s *core.Session) {
	frame := frameFor(s)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[s.ID] {
		select {
		case client.send <- frame:
		default:
			h.logger.Warn("dropping slow stream client", "session_id", s.ID)
		}
	}
}

func frameFor(s *core.Session) statusFrame {
	return statusFrame{
		SessionID:     s.ID,
		Status:        s.Status,
		Confirmations: s.Confirmations,
		TxID:          s.TxID,
		ExpiresAt:     s.ExpiresAt,
	}
}

// tokenEqual compares hashed tokens so length never leaks timing.
func tokenEqual(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	a := sha256.Sum256([]byte(want))
	b := sha256.Sum256([]byte(got))
	return hmac.Equal(a[:], b[:])
}

func (h *StreamHub) register(sessionID string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*streamClient]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
}

func (h *StreamHub) unregister(sessionID string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[sessionID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, sessionID)
			}
		}
	}
}

// readPump discards inbound frames; its job is pong handling and noticing
// the peer going away.
func (h *StreamHub) readPump(sessionID string, c *streamClient) {
	defer func() {
		h.unregister(sessionID, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(sessionID string, c *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
