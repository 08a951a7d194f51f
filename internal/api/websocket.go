package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// MaxWSConnectionsTotal is the maximum number of spectators
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the maximum spectators per IP
	MaxWSConnectionsPerIP = 10

	// BroadcastInterval is how often spectators get the world state
	BroadcastInterval = 100 * time.Millisecond

	writeWait = 2 * time.Second
)

// wsClient tracks a WebSocket connection with its source IP
type wsClient struct {
	conn *websocket.Conn
	ip   string
}

// SpectatorHub streams the world view to WebSocket clients. Spectators are
// read-only; anything they send is discarded.
type SpectatorHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	// Admitted connections, including those still upgrading
	perIP    map[string]int
	admitted int

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewSpectatorHub creates a hub accepting connections from origins
// (nil = localhost only)
func NewSpectatorHub(origins []string, logger *zap.Logger) *SpectatorHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &SpectatorHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		perIP:      make(map[string]int),
		log:        logger.With(zap.String("component", "spectators")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if IsAllowedOrigin(origins, origin) {
				return true
			}
			h.log.Warn("WebSocket connection rejected", zap.String("origin", origin))
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// Run owns the client set until ctx is cancelled, then closes every client.
// It must be called once.
func (h *SpectatorHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn, client := range h.clients {
				h.releaseLocked(client.ip)
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			UpdateWSConnections(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			count := len(h.clients)
			h.mu.Unlock()

			h.log.Info("Spectator connected", zap.String("ip", client.ip), zap.Int("total", count))
			UpdateWSConnections(count)

		case conn := <-h.unregister:
			h.drop(conn)

		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.drop(conn)
			}
			IncrementWSMessages()
		}
	}
}

func (h *SpectatorHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if ok {
		h.releaseLocked(client.ip)
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	h.log.Info("Spectator disconnected", zap.Int("remaining", count))
	UpdateWSConnections(count)
}

// Broadcast sends an event to every spectator. It never blocks; when the
// queue is full the event is dropped.
func (h *SpectatorHub) Broadcast(event string, data interface{}) {
	msg := map[string]interface{}{
		"event": event,
		"data":  data,
	}

	jsonBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case h.broadcast <- jsonBytes:
	default:
	}
}

// ClientCount returns the number of connected spectators
func (h *SpectatorHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartBroadcastLoop pushes "world:state" every BroadcastInterval until ctx
// is cancelled
func (h *SpectatorHub) StartBroadcastLoop(ctx context.Context, node NodeInterface) {
	ticker := time.NewTicker(BroadcastInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if h.ClientCount() == 0 {
				continue
			}
			h.Broadcast("world:state", map[string]interface{}{
				"clientId": node.ClientID(),
				"world":    node.View(),
				"stats":    node.Stats(),
			})
		}
	}()
}

// admit reserves a slot for ip. It returns the rejection reason, or ""
// when the connection may proceed.
func (h *SpectatorHub) admit(ip string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.admitted >= MaxWSConnectionsTotal {
		return "ws_total_limit"
	}
	if h.perIP[ip] >= MaxWSConnectionsPerIP {
		return "ws_ip_limit"
	}
	h.perIP[ip]++
	h.admitted++
	return ""
}

func (h *SpectatorHub) release(ip string) {
	h.mu.Lock()
	h.releaseLocked(ip)
	h.mu.Unlock()
}

func (h *SpectatorHub) releaseLocked(ip string) {
	if h.perIP[ip] <= 1 {
		delete(h.perIP, ip)
	} else {
		h.perIP[ip]--
	}
	h.admitted--
}

// HandleWebSocket upgrades a spectator connection
func (h *SpectatorHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	switch reason := h.admit(ip); reason {
	case "":
	case "ws_total_limit":
		h.log.Warn("WebSocket connection rejected: total limit reached")
		RecordConnectionRejected(reason)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	default:
		h.log.Warn("WebSocket connection rejected: per-IP limit reached", zap.String("ip", ip))
		RecordConnectionRejected(reason)
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", zap.Error(err))
		h.release(ip)
		return
	}

	select {
	case h.register <- &wsClient{conn: conn, ip: ip}:
	case <-h.done:
		h.release(ip)
		conn.Close()
		return
	}

	// Reads only detect close; spectators have nothing to say
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// defaultOrigins are accepted when no origin list is configured
var defaultOrigins = []string{
	"http://localhost:*",
	"http://127.0.0.1:*",
}

// IsAllowedOrigin reports whether origin matches one of the allowed
// patterns. A "*" in a pattern matches any run of characters except "/".
// Requests without an Origin header are not from a browser and pass.
func IsAllowedOrigin(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	origin = strings.ToLower(origin)
	for _, pattern := range allowed {
		if pattern == "*" {
			return true
		}
		if ok, _ := path.Match(strings.ToLower(pattern), origin); ok {
			return true
		}
	}
	return false
}
