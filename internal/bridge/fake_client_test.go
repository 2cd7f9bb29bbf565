package bridge_test

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient records what the registry asks of paho and lets tests fire
// the broker-side callbacks by hand.
type fakeClient struct {
	opts *mqtt.ClientOptions

	mu           sync.Mutex
	connects     int
	disconnects  int
	subscribed   []string
	qos          []byte
	handler      mqtt.MessageHandler
	subscribeErr error
	connectToken *fakeToken
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectToken != nil {
		return c.connectToken
	}
	return pendingToken()
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return doneToken(errors.New("publish not supported"))
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.qos = append(c.qos, qos)
	c.handler = cb
	return doneToken(c.subscribeErr)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return doneToken(nil) }

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// brokerConnected simulates paho reporting a successful connection
func (c *fakeClient) brokerConnected() {
	c.opts.OnConnect(c)
}

func (c *fakeClient) connectionLost(err error) {
	c.opts.OnConnectionLost(c, err)
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	prepare func(*fakeClient)
}

func (f *fakeFactory) New(opts *mqtt.ClientOptions) mqtt.Client {
	c := &fakeClient{opts: opts}
	if f.prepare != nil {
		f.prepare(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}
