package aggregator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BroadcastInterval is the dashboard update cadence.
const BroadcastInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from arbitrary origins behind the control plane.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Broadcaster pushes metric snapshots to connected websocket clients once per
// interval. Each accepted client receives an immediate snapshot, then the
// periodic updates. A client that fails a write is dropped; the rest are
// unaffected.
type Broadcaster struct {
	agg    *Aggregator
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewBroadcaster creates a broadcaster over the aggregator.
func NewBroadcaster(agg *Aggregator, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		agg:     agg,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	b.add(conn)
}

// add registers a client and sends its initial snapshot.
func (b *Broadcaster) add(conn *websocket.Conn) {
	if err := conn.WriteJSON(b.agg.Snapshot()); err != nil {
		_ = conn.Close()
		return
	}
	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
	b.logger.Debug("dashboard client connected", "clients", b.ClientCount())
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Run broadcasts snapshots until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.broadcast()
		}
	}
}

func (b *Broadcaster) broadcast() {
	snap := b.agg.Snapshot()

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(snap); err != nil {
			b.drop(conn)
		}
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	remaining := len(b.clients)
	b.mu.Unlock()
	_ = conn.Close()
	b.logger.Debug("dashboard client dropped", "clients", remaining)
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		_ = conn.Close()
	}
	b.clients = make(map[*websocket.Conn]bool)
}
