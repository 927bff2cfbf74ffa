package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"ledger_go/internal/engine"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerMessage is a frame sent to feed clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "event", "ready", "error"
	Payload interface{} `json:"payload"`
}

// HandleWebSocket streams committed events to the client.
//
// The optional query parameter since=N replays retained entries with Seq > N
// before live entries. The server sends:
// - {"type": "ready", "payload": {"backlog": 3}}
// - {"type": "event", "payload": {"seq": 7, "event": {...}}}
//
// Client frames are read only to detect closure.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.Feed == nil {
		http.Error(w, "live feed not available", http.StatusServiceUnavailable)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Logger.Error("Failed to upgrade WebSocket connection", slog.Any("error", err))
		return
	}
	defer conn.Close()

	id, entries, backlog := c.Feed.Subscribe(c.ClientQueue, since)
	defer c.Feed.Unsubscribe(id)

	c.Metrics.IncrementFeedClients()
	defer c.Metrics.DecrementFeedClients()

	c.Logger.Info("Feed client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Uint64("subscriber", id),
		slog.Int("backlog", len(backlog)))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.Logger.Error("Panic in feed writer goroutine",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("remote_addr", r.RemoteAddr))
			}
			cancel()
			// Unblocks the reader.
			_ = conn.Close()
		}()
		c.writeFeed(ctx, conn, backlog, entries)
	}()

	c.readUntilClosed(ctx, conn, cancel)
	wg.Wait()

	c.Logger.Info("Feed client disconnected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Uint64("subscriber", id))
}

// writeFeed is the only writer on conn. It returns when the client goes away,
// the feed closes, or a write fails.
func (c *Controller) writeFeed(ctx context.Context, conn *websocket.Conn, backlog []engine.Entry, entries <-chan engine.Entry) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(msg ServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			c.Logger.Debug("Failed to write WebSocket message", slog.Any("error", err))
			return false
		}
		return true
	}

	if !write(ServerMessage{Type: "ready", Payload: map[string]int{"backlog": len(backlog)}}) {
		return
	}
	for _, e := range backlog {
		if !write(ServerMessage{Type: "event", Payload: e}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				// Feed stopped.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed stopped"),
					time.Now().Add(writeTimeout))
				return
			}
			if !write(ServerMessage{Type: "event", Payload: e}) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout)); err != nil {
				c.Logger.Debug("Failed to send ping", slog.Any("error", err))
				return
			}
		}
	}
}

// readUntilClosed drains client frames and keeps the read deadline fresh.
func (c *Controller) readUntilClosed(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Logger.Warn("WebSocket read error", slog.Any("error", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}
