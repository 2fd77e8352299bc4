package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/malbeclabs/sweepstake/api/metrics"
	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
)

// HubConfig holds configuration for websocket connections.
type HubConfig struct {
	Logger          *slog.Logger
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool

	// Snapshot, when set, is sent to each client as soon as it connects.
	Snapshot func() syncer.View
}

func DefaultHubConfig(log *slog.Logger) HubConfig {
	return HubConfig{
		Logger:          log,
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		BroadcastBuffer: 1000,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (cfg *HubConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.PingInterval <= 0 || cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.PingInterval >= cfg.ReadTimeout {
		return errors.New("ping interval must be shorter than read timeout")
	}
	if cfg.SendBuffer <= 0 || cfg.BroadcastBuffer <= 0 {
		return errors.New("buffers must be positive")
	}
	return nil
}

// HubMessage is the frame pushed to websocket clients.
type HubMessage struct {
	Type       string              `json:"type"`
	At         time.Time           `json:"at"`
	Pool       *PoolResponse       `json:"pool,omitempty"`
	Transition *TransitionResponse `json:"transition,omitempty"`
	Winner     *WinnerResponse     `json:"winner,omitempty"`
	Settlement *DistributeResponse `json:"settlement,omitempty"`
}

type TransitionResponse struct {
	Round uint64 `json:"round"`
	From  string `json:"from"`
	To    string `json:"to"`
}

func newHubMessage(u syncer.Update) HubMessage {
	msg := HubMessage{Type: string(u.Kind), At: u.At.UTC()}
	if u.View.Loaded {
		pool := newPoolResponse(u.View)
		msg.Pool = &pool
	}
	if u.Transition != nil {
		msg.Transition = &TransitionResponse{
			Round: u.Transition.Round,
			From:  u.Transition.From.String(),
			To:    u.Transition.To.String(),
		}
	}
	if u.Winner != nil {
		w := newWinnerResponse(*u.Winner)
		msg.Winner = &w
	}
	if u.Settlement != nil {
		s := newDistributeResponse(distribute.Outcome{Attempted: true, Result: u.Settlement})
		msg.Settlement = &s
	}
	return msg
}

// Hub fans synchronizer updates out to websocket clients. It is a
// syncer.Sink.
type Hub struct {
	log      *slog.Logger
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*hubConn]struct{}

	broadcastCh chan []byte
}

type hubConn struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Hub{
		log: cfg.Logger,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns:       make(map[*hubConn]struct{}),
		broadcastCh: make(chan []byte, cfg.BroadcastBuffer),
	}, nil
}

func (h *Hub) Name() string { return "ws" }

// SetSnapshot sets the view source sent to clients on connect.
func (h *Hub) SetSnapshot(fn func() syncer.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.Snapshot = fn
}

// Publish queues u for broadcast. A full queue drops the update.
func (h *Hub) Publish(_ context.Context, u syncer.Update) error {
	data, err := json.Marshal(newHubMessage(u))
	if err != nil {
		return err
	}
	select {
	case h.broadcastCh <- data:
	default:
		h.log.Warn("hub: broadcast channel full, dropping update", "kind", u.Kind)
	}
	return nil
}

// Start runs the broadcast loop until ctx is done, then closes every client.
func (h *Hub) Start(ctx context.Context) {
	h.log.Info("hub: started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("hub: stopped")
			return
		case data := <-h.broadcastCh:
			h.broadcast(data)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("hub: failed to upgrade connection", "error", err)
		return
	}
	c := &hubConn{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendBuffer),
		connectedAt: time.Now(),
	}
	h.mu.RLock()
	snapshot := h.cfg.Snapshot
	h.mu.RUnlock()
	if snapshot != nil {
		if view := snapshot(); view.Loaded {
			data, err := json.Marshal(newHubMessage(syncer.Update{Kind: syncer.UpdateSnapshot, At: view.FetchedAt, View: view}))
			if err == nil {
				c.send <- data
			}
		}
	}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)

	h.log.Debug("hub: client connected", "id", c.id, "remote", GetIPFromRequest(r))
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	metrics.WebSocketClients.Inc()
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
		metrics.WebSocketClients.Dec()
		h.log.Debug("hub: client disconnected", "id", c.id, "connected_for", time.Since(c.connectedAt))
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.unregister(c)
	}
}

// broadcast sends under the read lock so unregister cannot close a send
// channel mid-write.
func (h *Hub) broadcast(data []byte) {
	var slow []*hubConn
	h.mu.RLock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("hub: client send buffer full, closing connection", "id", c.id)
		h.unregister(c)
		_ = c.conn.Close()
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.unregister(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("hub: write failed", "id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Debug("hub: ping failed", "id", c.id, "error", err)
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed. Clients
// have nothing to say to the hub.
func (h *Hub) readPump(c *hubConn) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Debug("hub: unexpected close", "id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
}
