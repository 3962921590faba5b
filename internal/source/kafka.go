package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/heron/internal/domain"
)

// KafkaConfig configures a KafkaSource.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// commitTimeout bounds an offset commit issued after ctx has ended.
const commitTimeout = 5 * time.Second

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON transactions from a Kafka topic. Ordering holds
// per partition, so producers should key messages by account id.
type KafkaSource struct {
	reader messageReader
	cfg    KafkaConfig
}

// NewKafkaSource creates a consumer group reader for cfg.Topic.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = "transactions"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "heron"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: 30 * time.Second,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	slog.Info("kafka source created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group_id", cfg.GroupID,
	)
	return &KafkaSource{reader: reader, cfg: cfg}, nil
}

// Stream reads messages until ctx ends or the reader fails. Payloads that
// cannot be decoded are logged, skipped and committed; malformed fields are
// logged and the transaction is still emitted with safe defaults. An offset
// is committed only once its transaction has been received from the
// returned channel, so a message fetched during shutdown is redelivered.
func (k *KafkaSource) Stream(ctx context.Context) (<-chan domain.Transaction, error) {
	out := make(chan domain.Transaction)
	go func() {
		defer close(out)
		for {
			msg, err := k.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					slog.Error("kafka fetch failed", "topic", k.cfg.Topic, "error", err)
				}
				return
			}

			tx, ok := k.handle(ctx, msg)
			if ok {
				select {
				case out <- tx:
				case <-ctx.Done():
					return
				}
			}
			k.commit(msg)
		}
	}()
	return out, nil
}

func (k *KafkaSource) commit(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err := k.reader.CommitMessages(ctx, msg); err != nil {
		slog.Error("kafka commit failed",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (k *KafkaSource) handle(ctx context.Context, msg kafka.Message) (domain.Transaction, bool) {
	tx, err := Decode(msg.Value)
	if err != nil && !errors.Is(err, domain.ErrMalformedInput) {
		slog.ErrorContext(ctx, "failed to unmarshal transaction",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return domain.Transaction{}, false
	}
	if err != nil {
		slog.WarnContext(ctx, "malformed transaction fields",
			"transaction_id", tx.ID,
			"offset", msg.Offset,
			"error", err,
		)
	}
	return tx, true
}

// Close closes the reader and commits pending offsets.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}
