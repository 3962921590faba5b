package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		bus := NewChannelBus(100)
		defer bus.Close()

		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, domain.TopicVerdict, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicVerdict, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" || msg.Topic != domain.TopicVerdict || msg.ID == "" {
				t.Errorf("unexpected message: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		got := make(chan string, 4)
		_, _ = bus.Subscribe(ctx, domain.TopicAnomaly, func(ctx context.Context, msg *domain.Message) error {
			got <- string(msg.Payload)
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicVerdict, []byte("verdict"))
		_ = bus.Publish(ctx, domain.TopicAnomaly, []byte("anomaly"))

		select {
		case p := <-got:
			if p != "anomaly" {
				t.Errorf("received message from other topic: %s", p)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("OrderPreserved", func(t *testing.T) {
		bus := NewChannelBus(4)
		defer bus.Close()

		const n = 50
		var mu sync.Mutex
		var seen []byte
		done := make(chan struct{})
		_, _ = bus.Subscribe(ctx, "ordered", func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			seen = append(seen, msg.Payload[0])
			if len(seen) == n {
				close(done)
			}
			mu.Unlock()
			return nil
		})

		for i := 0; i < n; i++ {
			if err := bus.Publish(ctx, "ordered", []byte{byte(i)}); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
		}
		waitFor(t, done)

		mu.Lock()
		defer mu.Unlock()
		for i, b := range seen {
			if int(b) != i {
				t.Fatalf("message %d out of order: got %d", i, b)
			}
		}
	})

	t.Run("BackpressureHonoursContext", func(t *testing.T) {
		bus := NewChannelBus(1)
		defer bus.Close()

		block := make(chan struct{})
		defer close(block)
		_, _ = bus.Subscribe(ctx, "slow", func(ctx context.Context, msg *domain.Message) error {
			<-block
			return nil
		})

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		var err error
		for i := 0; i < 5 && err == nil; i++ {
			err = bus.Publish(cctx, "slow", []byte("x"))
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		got := make(chan struct{}, 1)
		sub, _ := bus.Subscribe(ctx, "t", func(ctx context.Context, msg *domain.Message) error {
			got <- struct{}{}
			return nil
		})
		if sub.Topic() != "t" {
			t.Errorf("expected topic t, got %s", sub.Topic())
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, "t", []byte("late"))
		select {
		case <-got:
			t.Error("received message after unsubscribe")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Closed", func(t *testing.T) {
		bus := NewChannelBus(10)
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		_ = bus.Close()

		if err := bus.Publish(ctx, "t", nil); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed on publish, got %v", err)
		}
		if _, err := bus.Subscribe(ctx, "t", nil); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed on subscribe, got %v", err)
		}
		if err := bus.Ping(ctx); err == nil {
			t.Error("expected Ping error on closed bus")
		}
		if err := bus.Close(); err != nil {
			t.Errorf("second Close should be a no-op, got %v", err)
		}
	})
}

func TestEnvelope(t *testing.T) {
	data, err := encodeEnvelope(domain.TopicVerdict, []byte(`{"riskScore":25}`))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	msg, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Topic != domain.TopicVerdict || string(msg.Payload) != `{"riskScore":25}` {
		t.Errorf("envelope not preserved: %+v", msg)
	}
	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}
