// Package source produces transaction streams for the engine: a seeded
// simulator, a Kafka consumer and an event bus subscription.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/heron/internal/domain"
)

// Source yields transactions in arrival order. The returned channel is closed
// when the source is exhausted or ctx ends.
type Source interface {
	Stream(ctx context.Context) (<-chan domain.Transaction, error)
	Close() error
}

// New builds the source named by cfg.Type. The bus is only used by the "bus"
// source and may be nil otherwise.
func New(cfg domain.SourceConfig, eventBus domain.EventBus) (Source, error) {
	switch cfg.Type {
	case "simulator":
		return NewSimulator(SimulatorConfig{
			Seed:        cfg.Seed,
			AnomalyRate: cfg.AnomalyRate,
			Interval:    cfg.Interval,
		}), nil
	case "kafka":
		return NewKafkaSource(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		})
	case "bus":
		if eventBus == nil {
			return nil, fmt.Errorf("bus source requires an event bus")
		}
		return NewBusSource(eventBus, domain.TopicTransactionIngested), nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}

// Decode parses one JSON payload into a Transaction. Numbers are kept as
// json.Number so amounts keep their decimal text. Malformed fields come back
// as a MalformedInputError alongside a usable Transaction; an undecodable
// payload returns the zero Transaction and a plain error.
func Decode(data []byte) (domain.Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw domain.RawTransaction
	if err := dec.Decode(&raw); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return raw.Normalize()
}

// sliceSource replays a fixed list of transactions.
type sliceSource struct {
	txs []domain.Transaction
}

// FromSlice returns a Source that emits txs once, in order.
func FromSlice(txs []domain.Transaction) Source {
	return &sliceSource{txs: txs}
}

func (s *sliceSource) Stream(ctx context.Context) (<-chan domain.Transaction, error) {
	out := make(chan domain.Transaction)
	go func() {
		defer close(out)
		for _, tx := range s.txs {
			select {
			case out <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *sliceSource) Close() error { return nil }
