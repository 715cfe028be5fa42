package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/igwedaniel/indexwatch/internal/metrics"
	"github.com/igwedaniel/indexwatch/internal/types"
)

const (
	writeWait      = 5 * time.Second
	pingPeriod     = 15 * time.Second
	pongWait       = 2 * pingPeriod
	clientBuffer   = 8
	streamSinkName = "stream"
)

// streamMessage is the frame sent to stream subscribers
type streamMessage struct {
	Type string               `json:"type"`
	Data *types.SnapshotEvent `json:"data"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans snapshots out to websocket subscribers. A subscriber that cannot
// keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	mx      sync.RWMutex
	clients map[*streamClient]struct{}
	last    []byte
}

func NewHub(m *metrics.Metrics, logger *logrus.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

func (h *Hub) Name() string {
	return streamSinkName
}

// Deliver broadcasts the snapshot to every connected subscriber
func (h *Hub) Deliver(ctx context.Context, event *types.SnapshotEvent) error {
	data, err := json.Marshal(streamMessage{Type: types.EventTypeSnapshot, Data: event})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	h.mx.Lock()
	defer h.mx.Unlock()

	h.last = data
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.WithField("remote_addr", c.conn.RemoteAddr().String()).Warn("Stream subscriber too slow, disconnecting")
			h.removeLocked(c)
		}
	}
	return nil
}

// Reset forgets the last snapshot so new subscribers of a different
// endpoint do not receive stale data
func (h *Hub) Reset() {
	h.mx.Lock()
	h.last = nil
	h.mx.Unlock()
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams snapshots until the peer leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Failed to upgrade stream connection: %v", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mx.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.metrics.SetStreamClients(len(h.clients))
	h.mx.Unlock()

	h.logger.WithField("remote_addr", conn.RemoteAddr().String()).Debug("Stream subscriber connected")

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mx.Lock()
	defer h.mx.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.SetStreamClients(len(h.clients))
}

// readPump discards inbound frames and keeps the read deadline moving
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	pinger := time.NewTicker(pingPeriod)
	defer func() {
		pinger.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pinger.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
