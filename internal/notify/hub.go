package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientBuffer = 32
	writeTimeout        = 10 * time.Second
)

// Hub is a Bus that fans events out to websocket sessions. Each session
// subscribes to file topics with repeated ?topic=file:<id> query parameters
// and is scoped to the caller that opened it.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	buffer  int
	opts    *websocket.AcceptOptions
	caller  func(context.Context) (string, bool)
	logger  *slog.Logger
}

type client struct {
	topics map[string]struct{}
	send   chan []byte
}

// NewHub returns an empty hub. originPatterns restricts cross-origin
// browsers; nil accepts same-origin only. caller names the authenticated
// user of a request.
func NewHub(originPatterns []string, caller func(context.Context) (string, bool), logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		clients: make(map[*client]struct{}),
		buffer:  defaultClientBuffer,
		opts:    &websocket.AcceptOptions{OriginPatterns: originPatterns},
		caller:  caller,
		logger:  logger,
	}
}

// Publish implements Bus. It never blocks on a slow session; a full session
// buffer drops the message for that session only.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if _, ok := c.topics[topic]; !ok {
			continue
		}

		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping notification for slow session", slog.String("topic", topic))
		}
	}

	return nil
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer leaves
// or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "at least one topic is required", http.StatusBadRequest)
		return
	}

	for _, t := range topics {
		if !strings.HasPrefix(t, "file:") || t == "file:" {
			http.Error(w, "topics have the form file:<id>", http.StatusBadRequest)
			return
		}
	}

	conn, err := websocket.Accept(w, r, h.opts)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	c := &client{topics: make(map[string]struct{}, len(topics)), send: make(chan []byte, h.buffer)}
	for _, t := range topics {
		c.topics[userID+"/"+t] = struct{}{}
	}

	h.add(c)
	defer h.remove(c)

	// Subscribers only listen; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("session subscribed", slog.Int("topics", len(topics)))

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.send:
			if err := writeWithTimeout(ctx, conn, payload); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("session write failed", slog.String("error", err.Error()))
				}

				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, payload)
}
