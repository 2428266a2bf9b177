package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// Chart packets are zstd-compressed by the encoder when enabled
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 10 * time.Second

// chartSubscription is sent by clients as a JSON text message. In live mode
// the window follows the live edge and only Window is used.
type chartSubscription struct {
	Begin      int64 `json:"begin"`
	End        int64 `json:"end"`
	Window     int64 `json:"window"`
	Points     int   `json:"points"`
	RemoveZero bool  `json:"remove_zero"`
	Live       bool  `json:"live"`
}

// chartStatus is sent as a JSON text message after every subscription
type chartStatus struct {
	Type    string      `json:"type"`
	Session SessionInfo `json:"session"`
	Error   string      `json:"error,omitempty"`
}

// ChartWebSocketHandler streams aggregated chart points to live clients
type ChartWebSocketHandler struct {
	session *Session
	config  *Config
	metrics *PrometheusMetrics
}

// NewChartWebSocketHandler creates the /ws/chart handler
func NewChartWebSocketHandler(session *Session, config *Config, metrics *PrometheusMetrics) *ChartWebSocketHandler {
	return &ChartWebSocketHandler{session: session, config: config, metrics: metrics}
}

// chartConn is one connected client
type chartConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu   sync.Mutex
	sub     *chartSubscription
	changed bool
}

func (c *chartConn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *chartConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

func (c *chartConn) subscription() (chartSubscription, bool, bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		return chartSubscription{}, false, false
	}
	changed := c.changed
	c.changed = false
	return *c.sub, true, changed
}

// ServeHTTP upgrades the connection and runs the push loop until the client
// goes away
func (h *ChartWebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	conn := &chartConn{conn: rawConn}
	h.metrics.RecordWSConnection(1)
	defer func() {
		h.metrics.RecordWSConnection(-1)
		rawConn.Close()
	}()

	if DebugMode {
		log.Printf("DEBUG: chart client connected from %s", r.RemoteAddr)
	}

	done := make(chan struct{})
	go h.readLoop(conn, done)

	h.pushLoop(conn, done)
}

// readLoop applies subscription messages until the connection fails
func (h *ChartWebSocketHandler) readLoop(conn *chartConn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Chart WebSocket error: %v", err)
			}
			return
		}

		var sub chartSubscription
		status := chartStatus{Type: "subscribed"}
		if err := json.Unmarshal(data, &sub); err != nil {
			status.Type = "error"
			status.Error = "invalid subscription: " + err.Error()
		} else {
			h.normalize(&sub)
			conn.subMu.Lock()
			conn.sub = &sub
			conn.changed = true
			conn.subMu.Unlock()
			h.metrics.RecordWSSubscription()
		}

		status.Session = h.session.Info()
		if err := conn.writeJSON(status); err != nil {
			return
		}
	}
}

func (h *ChartWebSocketHandler) normalize(sub *chartSubscription) {
	if sub.Points <= 0 {
		sub.Points = h.config.Aggregator.DefaultPoints
	}
	if sub.Points > h.config.Aggregator.MaxPoints {
		sub.Points = h.config.Aggregator.MaxPoints
	}
	if sub.Live && sub.Window <= 0 {
		sub.Window = 10_000_000
	}
}

// pushLoop sends a fresh series whenever the subscribed window changed or,
// in live mode, new samples arrived
func (h *ChartWebSocketHandler) pushLoop(conn *chartConn, done chan struct{}) {
	encoder := NewChartBinaryEncoder(h.config.WebSocket.Compression)
	defer encoder.Release()

	ticker := time.NewTicker(time.Duration(h.config.WebSocket.RefreshMs) * time.Millisecond)
	defer ticker.Stop()

	var lastTotal int64 = -1
	var lastGeneration uint64

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		sub, ok, changed := conn.subscription()
		if !ok {
			continue
		}

		tl := h.session.Timeline()
		gen := h.session.store.Generation()
		if !changed && gen == lastGeneration && (!sub.Live || tl.TotalSamples == lastTotal) {
			continue
		}
		lastTotal = tl.TotalSamples
		lastGeneration = gen

		begin, end := sub.Begin, sub.End
		if sub.Live {
			end = tl.LiveTimestamp()
			begin = end - sub.Window
		}

		series := h.session.Process(begin, end, sub.Points, sub.RemoveZero)
		packet := encoder.Encode(series, tl)
		if err := conn.writeMessage(websocket.BinaryMessage, packet); err != nil {
			if DebugMode {
				log.Printf("DEBUG: chart client write failed: %v", err)
			}
			return
		}
		h.metrics.RecordWSPacket(len(packet))
	}
}
