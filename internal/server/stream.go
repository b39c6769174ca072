package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gkobilansky/cohort/internal/personalization"
)

const (
	maxStreamClients = 100
	clientBuffer     = 32
	pingInterval     = 30 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
)

type streamMessage struct {
	Type     string                           `json:"type"`
	UserID   string                           `json:"user_id"`
	Outcomes []personalization.TriggerOutcome `json:"outcomes"`
	SentAt   time.Time                        `json:"sent_at"`
}

type streamClient struct {
	userID string // empty receives every user
	send   chan []byte
}

// Hub fans trigger outcomes out to websocket subscribers. A subscriber
// that falls behind loses messages rather than stalling publishers.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ personalization.Publisher = (*Hub)(nil)

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*streamClient]struct{}),
		done:    make(chan struct{}),
	}
}

func (h *Hub) Publish(userID string, outcomes []personalization.TriggerOutcome) {
	data, err := json.Marshal(streamMessage{Type: "trigger_outcomes", UserID: userID, Outcomes: outcomes, SentAt: time.Now().UTC()})
	if err != nil {
		h.log.Error("failed to marshal stream message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID != "" && c.userID != userID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("stream client too slow, dropping message", "user_id", userID)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= maxStreamClients {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.wg.Done()
}

// Close sends a close frame to every subscriber and waits for their
// handlers to return.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades to a websocket and streams outcomes until either
// side goes away. ?user_id= narrows the feed to one user.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &streamClient{userID: r.URL.Query().Get("user_id"), send: make(chan []byte, clientBuffer)}
	if !h.register(c) {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(c)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-h.done:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
