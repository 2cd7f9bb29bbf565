package fanout

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
)

const hubSink = "websocket"

// liveEvent is the frame written to websocket subscribers
type liveEvent struct {
	Type    string  `json:"type"`
	Payload Message `json:"payload"`
}

// Hub groups websocket subscribers by device and broadcasts to a group
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]map[*Client]struct{}
	sendBuffer int
	logger     *zap.Logger
}

// NewHub creates a hub whose subscribers each buffer up to sendBuffer frames
func NewHub(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		groups:     make(map[string]map[*Client]struct{}),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Publish sends msg to every subscriber of deviceID. A subscriber whose
// buffer is full misses this message and stays subscribed.
func (h *Hub) Publish(deviceID string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	group := h.groups[deviceID]
	if len(group) == 0 {
		return
	}

	frame, err := json.Marshal(liveEvent{Type: "mqtt-data", Payload: msg})
	if err != nil {
		h.logger.Error("failed to marshal live event", zap.Error(err))
		return
	}

	for c := range group {
		select {
		case c.send <- frame:
			metrics.FanoutPublished.WithLabelValues(hubSink).Inc()
		default:
			metrics.FanoutDropped.WithLabelValues(hubSink).Inc()
		}
	}
}

// Attach joins conn to deviceID's group and starts its pumps. The
// subscription ends when the peer disconnects or the hub is closed.
func (h *Hub) Attach(conn *websocket.Conn, deviceID string) *Client {
	c := h.newClient(conn, deviceID)
	h.subscribe(c)

	go c.writePump()
	go c.readPump()
	return c
}

// Subscribers returns the number of subscribers in deviceID's group
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[deviceID])
}

// Close disconnects every subscriber
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for deviceID, group := range h.groups {
		for c := range group {
			close(c.send)
			metrics.LiveSubscribers.Dec()
		}
		delete(h.groups, deviceID)
	}
	return nil
}

func (h *Hub) newClient(conn *websocket.Conn, deviceID string) *Client {
	return &Client{
		ID:       uuid.New(),
		DeviceID: deviceID,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		logger:   h.logger.With(zap.String("device_id", deviceID)),
	}
}

func (h *Hub) subscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[c.DeviceID]
	if !ok {
		group = make(map[*Client]struct{})
		h.groups[c.DeviceID] = group
	}
	group[c] = struct{}{}
	metrics.LiveSubscribers.Inc()
	c.logger.Debug("live subscriber attached", zap.String("subscriber_id", c.ID.String()))
}

func (h *Hub) unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[c.DeviceID]
	if !ok {
		return
	}
	if _, ok := group[c]; !ok {
		return
	}
	delete(group, c)
	close(c.send)
	metrics.LiveSubscribers.Dec()
	if len(group) == 0 {
		delete(h.groups, c.DeviceID)
	}
	c.logger.Debug("live subscriber detached", zap.String("subscriber_id", c.ID.String()))
}
