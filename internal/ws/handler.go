package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgepulse/forgepulse/internal/broadcast"
	"github.com/forgepulse/forgepulse/internal/event"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades observer connections and binds each one to a broadcaster
// subscription for the requested session.
type Handler struct {
	bc *broadcast.Broadcaster
}

// New creates a Handler over the given broadcaster.
func New(bc *broadcast.Broadcaster) *Handler {
	return &Handler{bc: bc}
}

// ServeHTTP upgrades the connection to WebSocket and streams the session's
// events until the client disconnects. The session id is taken from the
// sessionId query parameter; userId is optional and additionally subscribes
// the client to the owning user's topic.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("userId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	connID := uuid.NewString()
	sink := &connSink{conn: conn}
	sub := h.bc.Subscribe(sessionID, userID, connID, sink)

	slog.Debug("ws: client connected", "session", sessionID, "conn", connID)

	done := make(chan struct{})
	go sink.pingLoop(done)

	// Blocks until the connection closes; this is the eager disconnect path.
	readPump(conn)
	close(done)
	h.bc.Unsubscribe(sub)
	conn.Close()

	slog.Debug("ws: client disconnected", "session", sessionID, "conn", connID)
}

// connSink adapts one WebSocket connection to the broadcast.Sink interface.
// Writes come from the subscription's drain goroutine and the ping loop, so
// they are serialized with a mutex.
type connSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send marshals the envelope and writes it with a deadline. An error makes
// the broadcaster drop the subscription lazily.
func (s *connSink) Send(env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends periodic ping frames until done closes or a write fails.
func (s *connSink) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages
// (pong, close) and detect disconnects. Blocks until the connection closes.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
