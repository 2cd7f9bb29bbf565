package fanout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/fanout"
)

type recordingSink struct {
	mu      sync.Mutex
	got     []fanout.Message
	block   chan struct{}
	failing bool
	closed  bool
}

func (s *recordingSink) Send(_ context.Context, _ string, msg fanout.Message) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, msg)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) messages() []fanout.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fanout.Message(nil), s.got...)
}

func TestAsync_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := fanout.NewAsync("test", sink, 16, zap.NewNop())

	for _, topic := range []string{"a", "b", "c"} {
		a.Publish("dev-1", fanout.Message{DeviceID: "dev-1", Topic: topic})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	got := sink.messages()
	if len(got) != 3 || got[0].Topic != "a" || got[2].Topic != "c" {
		t.Errorf("Expected [a b c], got %+v", got)
	}
	if !sink.closed {
		t.Error("Expected sink to be closed")
	}

	// publishing after close is a silent no-op
	a.Publish("dev-1", fanout.Message{Topic: "late"})
	if err := a.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestAsync_DropsWhenFullWithoutBlocking(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := fanout.NewAsync("test", sink, 1, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Publish("dev-1", fanout.Message{Topic: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled sink")
	}

	close(sink.block)
	_ = a.Close()

	// one in flight plus one buffered at most
	if n := len(sink.messages()); n > 2 || n == 0 {
		t.Errorf("Expected 1 or 2 delivered messages, got %d", n)
	}
}

func TestAsync_SendErrorsAreAbsorbed(t *testing.T) {
	sink := &recordingSink{failing: true}
	a := fanout.NewAsync("test", sink, 4, zap.NewNop())

	a.Publish("dev-1", fanout.Message{Topic: "t"})
	if err := a.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if len(sink.messages()) != 0 {
		t.Error("Expected no successful deliveries")
	}
}

type capture struct{ got []string }

func (c *capture) Publish(deviceID string, _ fanout.Message) { c.got = append(c.got, deviceID) }

func TestMulti(t *testing.T) {
	a, b := &capture{}, &capture{}
	fanout.Multi{a, b}.Publish("dev-9", fanout.Message{})

	if len(a.got) != 1 || len(b.got) != 1 || b.got[0] != "dev-9" {
		t.Errorf("Expected both publishers to receive dev-9, got %v / %v", a.got, b.got)
	}

	// empty Multi is valid
	fanout.Multi{}.Publish("dev-9", fanout.Message{})
}

func TestAMQPPublisher_RoutingKey(t *testing.T) {
	p := fanout.NewAMQPPublisher(nil, "telemetry.live")
	if got := p.RoutingKey("boiler-1"); got != "telemetry.live.boiler-1" {
		t.Errorf("Expected telemetry.live.boiler-1, got %s", got)
	}

	bare := fanout.NewAMQPPublisher(nil, "")
	if got := bare.RoutingKey("boiler-1"); got != "boiler-1" {
		t.Errorf("Expected boiler-1, got %s", got)
	}
}
