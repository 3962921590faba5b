package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
)

// BusSource turns event bus messages on one topic into a transaction stream.
type BusSource struct {
	bus   domain.EventBus
	topic string
}

// NewBusSource subscribes to topic when Stream is called.
func NewBusSource(bus domain.EventBus, topic string) *BusSource {
	return &BusSource{bus: bus, topic: topic}
}

// Stream subscribes and forwards decoded transactions. The handler blocks
// until the consumer reads, so bus backpressure reaches the publisher. When
// ctx ends the subscription is dropped and the channel closed once no
// handler is still delivering.
func (b *BusSource) Stream(ctx context.Context) (<-chan domain.Transaction, error) {
	out := make(chan domain.Transaction)
	done := make(chan struct{})

	var (
		mu       sync.Mutex
		stopped  bool
		inflight sync.WaitGroup
	)

	sub, err := b.bus.Subscribe(ctx, b.topic, func(hctx context.Context, msg *domain.Message) error {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return ctx.Err()
		}
		inflight.Add(1)
		mu.Unlock()
		defer inflight.Done()

		tx, err := Decode(msg.Payload)
		if err != nil && !errors.Is(err, domain.ErrMalformedInput) {
			slog.ErrorContext(hctx, "failed to unmarshal transaction",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
		if err != nil {
			slog.WarnContext(hctx, "malformed transaction fields", "transaction_id", tx.ID, "error", err)
		}

		select {
		case out <- tx:
			return nil
		case <-done:
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()

		mu.Lock()
		stopped = true
		mu.Unlock()

		close(done)
		inflight.Wait()
		close(out)
	}()

	return out, nil
}

// Close implements Source. The bus itself is owned by the caller.
func (b *BusSource) Close() error { return nil }
