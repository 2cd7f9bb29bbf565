// Package cache holds the most recent payload seen on each MQTT topic and
// by each device. It is never authoritative; the telemetry store is.
package cache

import (
	"sync"
	"time"
)

// Entry is the last message observed on a topic
type Entry struct {
	DeviceID  string    `json:"deviceId"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Latest maps topic, and separately device id, to the most recent Entry.
// Topics are the concrete ones messages arrive on, so a device subscribed
// through a wildcard filter is only reachable through its device id.
// Safe for concurrent use.
type Latest struct {
	mu       sync.RWMutex
	byTopic  map[string]Entry
	byDevice map[string]Entry
}

func NewLatest() *Latest {
	return &Latest{
		byTopic:  make(map[string]Entry),
		byDevice: make(map[string]Entry),
	}
}

// Set records a message from deviceID on topic. Last write wins in both views.
func (c *Latest) Set(deviceID, topic, payload string, ts time.Time) {
	e := Entry{DeviceID: deviceID, Topic: topic, Payload: payload, Timestamp: ts}
	c.mu.Lock()
	c.byTopic[topic] = e
	c.byDevice[deviceID] = e
	c.mu.Unlock()
}

// Get returns the last message on topic, whichever device received it
func (c *Latest) Get(topic string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.byTopic[topic]
	c.mu.RUnlock()
	return e, ok
}

// ForDevice returns the last message received by deviceID on any topic
func (c *Latest) ForDevice(deviceID string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.byDevice[deviceID]
	c.mu.RUnlock()
	return e, ok
}

// Delete drops the topic entry. A device entry pointing at it is kept.
func (c *Latest) Delete(topic string) {
	c.mu.Lock()
	delete(c.byTopic, topic)
	c.mu.Unlock()
}

// Len is the number of topics cached
func (c *Latest) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byTopic)
}
