package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Admin stream; origin policy is handled by the CORS layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope sent to admin stream clients.
type wsMessage struct {
	Type    string      `json:"type"` // "event" or "log"
	Payload interface{} `json:"payload"`
}

// WebSocketHub fans out domain events and log entries to connected admin
// clients. Slow clients are dropped rather than allowed to block the hub.
type WebSocketHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan wsMessage
	done    chan struct{}
}

// streamedEvents are the event types forwarded to the admin stream.
var streamedEvents = []domain.EventType{
	domain.ImagesUploaded,
	domain.SearchPerformed,
	domain.SearchRejected,
	domain.EmbedBatchSent,
	domain.EmbedQueuedForRetry,
	domain.DeletionQueuedForRetry,
	domain.RetrySucceeded,
	domain.RetryExhausted,
	domain.BreakerStateChanged,
	domain.FolderCreated,
	domain.FolderDeleted,
	domain.FolderShared,
}

// NewWebSocketHub creates the hub and subscribes it to the event bus and the
// logger's entry stream.
func NewWebSocketHub(events eventbus.Publisher) *WebSocketHub {
	hub := &WebSocketHub{
		clients: make(map[*websocket.Conn]chan wsMessage),
		done:    make(chan struct{}),
	}

	for _, eventType := range streamedEvents {
		events.Subscribe(eventType, func(e domain.Event) {
			hub.broadcast(wsMessage{Type: "event", Payload: e})
		})
	}

	logCh := logger.Subscribe()
	go func() {
		for {
			select {
			case entry, ok := <-logCh:
				if !ok {
					return
				}
				hub.broadcast(wsMessage{Type: "log", Payload: entry})
			case <-hub.done:
				logger.Unsubscribe(logCh)
				return
			}
		}
	}()

	return hub
}

// HandleConnection upgrades the request and streams messages until the
// client disconnects.
func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	ch := make(chan wsMessage, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	count := len(h.clients)
	h.mu.Unlock()
	logger.Debugf("Admin stream client connected (%d total)", count)

	// Reader goroutine only detects disconnects; the stream is one-way
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				h.remove(conn)
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *WebSocketHub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// Client is not keeping up; drop it
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *WebSocketHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	conn.Close()
}

// Shutdown disconnects all clients and stops the log forwarder.
func (h *WebSocketHub) Shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		close(ch)
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]chan wsMessage)
}
