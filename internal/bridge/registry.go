// Package bridge owns the broker connection for every bridged device.
package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/logging"
	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
)

// subscribeQoS is at-least-once delivery
const subscribeQoS byte = 1

// State of one broker session
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ConnectionStatus is the externally visible state of a handle
type ConnectionStatus struct {
	Connected    bool `json:"connected"`
	Reconnecting bool `json:"reconnecting"`
}

// Stream receives the messages of one device subscription
type Stream interface {
	HandleMessage(topic string, payload []byte)
	Close()
}

// StreamFactory creates the Stream for a newly registered device
type StreamFactory func(deviceID string) Stream

// ClientFactory builds a paho client; swapped out in tests
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Options configures every broker session the registry opens
type Options struct {
	ClientIDPrefix    string
	ReconnectInterval time.Duration
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	DisconnectQuiesce time.Duration
	DefaultPort       int
}

// Handle is one live or attempting broker session
type Handle struct {
	DeviceID string
	Topic    string
	Broker   string
	ClientID string

	client mqtt.Client
	stream Stream
	state  atomic.Int32
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) Status() ConnectionStatus {
	s := h.State()
	return ConnectionStatus{Connected: s == Connected, Reconnecting: s == Reconnecting}
}

// setState ignores transitions once the handle has been shut down
func (h *Handle) setState(s State) {
	select {
	case <-h.closed:
		return
	default:
		h.state.Store(int32(s))
	}
}

func (h *Handle) shutdown(quiesce time.Duration) {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.state.Store(int32(Disconnected))
		h.client.Disconnect(uint(quiesce.Milliseconds()))
		h.stream.Close()
		h.logger.Info("mqtt client disconnected")
	})
}

// Registry maps device id to its single active Handle
type Registry struct {
	opts      Options
	streams   StreamFactory
	newClient ClientFactory
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
}

// RegistryOption customises a Registry
type RegistryOption func(*Registry)

func WithClientFactory(f ClientFactory) RegistryOption {
	return func(r *Registry) { r.newClient = f }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// MinReconnectInterval is the shortest wait between broker connection attempts
const MinReconnectInterval = time.Second

// NewRegistry creates an empty registry
func NewRegistry(opts Options, streams StreamFactory, logger *zap.Logger, options ...RegistryOption) *Registry {
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = "iot_dashboard"
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = 1883
	}
	if opts.ReconnectInterval < MinReconnectInterval {
		opts.ReconnectInterval = MinReconnectInterval
	}
	r := &Registry{
		opts:      opts,
		streams:   streams,
		newClient: mqtt.NewClient,
		logger:    logger,
		now:       time.Now,
		handles:   make(map[string]*Handle),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Connect registers a session for cfg and starts connecting in the
// background. If the device already has a handle it is returned unchanged.
// Connection failures never surface here; they show up in Status.
func (r *Registry) Connect(cfg db.DeviceConnectionConfig) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[cfg.DeviceID]; ok {
		r.mu.Unlock()
		return h, nil
	}

	server, err := BrokerURL(cfg.Broker, cfg.Port, r.opts.DefaultPort)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	h := &Handle{
		DeviceID: cfg.DeviceID,
		Topic:    cfg.Topic,
		Broker:   server,
		ClientID: fmt.Sprintf("%s_%s_%d", r.opts.ClientIDPrefix, cfg.DeviceID, r.now().UnixMilli()),
		stream:   r.streams(cfg.DeviceID),
		closed:   make(chan struct{}),
		logger: logging.WithDevice(r.logger, cfg.DeviceID).With(
			zap.String("broker", db.MaskPassword(server)),
			zap.String("topic", cfg.Topic),
		),
	}
	h.state.Store(int32(Connecting))
	h.client = r.newClient(r.clientOptions(cfg, h))

	r.handles[cfg.DeviceID] = h
	metrics.ActiveConnections.Set(float64(len(r.handles)))
	r.mu.Unlock()

	h.logger.Info("connecting to mqtt broker", zap.String("client_id", h.ClientID))
	token := h.client.Connect()
	go r.watchConnect(h, token)

	return h, nil
}

func (r *Registry) clientOptions(cfg db.DeviceConnectionConfig, h *Handle) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(h.Broker).
		SetClientID(h.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(r.opts.ReconnectInterval).
		SetMaxReconnectInterval(r.opts.ReconnectInterval).
		SetKeepAlive(r.opts.KeepAlive).
		SetConnectTimeout(r.opts.ConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			r.onConnect(h, c)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			h.setState(Reconnecting)
			metrics.ConnectionEvents.WithLabelValues("lost").Inc()
			h.logger.Warn("mqtt connection lost, will reconnect", zap.Error(err))
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			h.setState(Reconnecting)
			metrics.ConnectionEvents.WithLabelValues("reconnecting").Inc()
			h.logger.Info("mqtt reconnecting")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// onConnect runs after every successful (re)connect. Clean sessions drop
// subscriptions, so the topic is subscribed again each time.
func (r *Registry) onConnect(h *Handle, c mqtt.Client) {
	h.setState(Connected)
	metrics.ConnectionEvents.WithLabelValues("connected").Inc()
	h.logger.Info("connected to mqtt broker")

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		h.stream.HandleMessage(msg.Topic(), msg.Payload())
	}

	tok := c.Subscribe(h.Topic, subscribeQoS, handler)
	if ok := tok.WaitTimeout(r.opts.SubscribeTimeout); !ok {
		metrics.ConnectionEvents.WithLabelValues("subscribe_failed").Inc()
		h.logger.Warn("subscribe timed out")
		return
	}
	if err := tok.Error(); err != nil {
		metrics.ConnectionEvents.WithLabelValues("subscribe_failed").Inc()
		h.logger.Error("subscribe failed", zap.Error(err))
		return
	}
	h.logger.Info("subscribed to mqtt topic", zap.Int("qos", int(subscribeQoS)))
}

func (r *Registry) watchConnect(h *Handle, token mqtt.Token) {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			h.logger.Error("mqtt connect failed", zap.Error(err))
		}
	case <-h.closed:
	}
}

// Disconnect closes the device's session and forgets it. Unknown devices
// are ignored.
func (r *Registry) Disconnect(deviceID string) {
	r.mu.Lock()
	h, ok := r.handles[deviceID]
	if ok {
		delete(r.handles, deviceID)
		metrics.ActiveConnections.Set(float64(len(r.handles)))
	}
	r.mu.Unlock()

	if ok {
		h.shutdown(r.opts.DisconnectQuiesce)
	}
}

// DisconnectAll closes every session in parallel and empties the registry
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	metrics.ActiveConnections.Set(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.shutdown(r.opts.DisconnectQuiesce)
		}(h)
	}
	wg.Wait()

	if len(handles) > 0 {
		r.logger.Info("all mqtt connections closed", zap.Int("count", len(handles)))
	}
}

// Status snapshots the state of every registered device
func (r *Registry) Status() map[string]ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ConnectionStatus, len(r.handles))
	for id, h := range r.handles {
		out[id] = h.Status()
	}
	return out
}

func (r *Registry) IsConnected(deviceID string) bool {
	h, ok := r.Get(deviceID)
	return ok && h.State() == Connected
}

func (r *Registry) Get(deviceID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[deviceID]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
