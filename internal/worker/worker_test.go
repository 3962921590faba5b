package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/source"
)

var base = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func testTransactions() []domain.Transaction {
	return []domain.Transaction{
		{ID: "tx-1", AccountID: "ACC001", Timestamp: base, Amount: decimal.NewFromInt(100), Currency: "USD", Country: "US"},
		{ID: "tx-2", AccountID: "ACC001", Timestamp: base.Add(time.Minute), Amount: decimal.NewFromInt(25000), Currency: "USD", Country: "US"},
		{ID: "tx-3", AccountID: "ACC002", Timestamp: base.Add(2 * time.Minute), Amount: decimal.NewFromInt(50), Currency: "USD", Country: "DE"},
	}
}

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() {
		eventBus.Close()
		repo.Close()
	})
	return &Sink{
		Repo:       repo,
		Cache:      cache.NewLRUCache(100),
		Bus:        eventBus,
		VerdictTTL: time.Minute,
	}
}

func TestWorker(t *testing.T) {
	ctx := context.Background()
	sink := newTestSink(t)

	anomalies := make(chan domain.Verdict, 10)
	_, err := sink.Bus.Subscribe(ctx, domain.TopicAnomaly, func(ctx context.Context, msg *domain.Message) error {
		var v domain.Verdict
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return err
		}
		anomalies <- v
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	eng, err := engine.NewDefault()
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}
	w := NewWorker(eng, sink)

	if err := w.Start(ctx, source.FromSlice(testTransactions())); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Wait()

	t.Run("Stats", func(t *testing.T) {
		stats := w.GetStats()
		if stats.Processed != 3 || stats.Anomalies != 1 || stats.Running {
			t.Errorf("unexpected stats: %+v", stats)
		}
		if got := eng.Statistics().TotalTransactions; got != 3 {
			t.Errorf("engine saw %d transactions, want 3", got)
		}
	})

	t.Run("Persisted", func(t *testing.T) {
		if _, err := sink.Repo.GetTransaction(ctx, "tx-3"); err != nil {
			t.Errorf("transaction not saved: %v", err)
		}
		v, err := sink.Repo.GetVerdict(ctx, "tx-2")
		if err != nil {
			t.Fatalf("verdict not saved: %v", err)
		}
		if !v.IsAnomalous || v.TriggeredRules[0] != domain.RuleLargeAmount {
			t.Errorf("unexpected stored verdict: %+v", v)
		}
	})

	t.Run("Cached", func(t *testing.T) {
		v, err := sink.Cache.GetVerdict(ctx, "tx-1")
		if err != nil || v == nil {
			t.Fatalf("verdict not cached: %v", err)
		}
		if v.IsAnomalous {
			t.Error("tx-1 should be normal")
		}
	})

	t.Run("AnomalyPublished", func(t *testing.T) {
		select {
		case v := <-anomalies:
			if v.TransactionID != "tx-2" || v.RiskScore != 25 {
				t.Errorf("unexpected anomaly: %+v", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for anomaly")
		}
	})
}

func TestWorkerStop(t *testing.T) {
	eng, _ := engine.NewDefault()
	w := NewWorker(eng, nil)

	sim := source.NewSimulator(source.SimulatorConfig{Seed: 42, AnomalyRate: 0.05, Interval: time.Millisecond})
	if err := w.Start(context.Background(), sim); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(context.Background(), sim); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	stats := w.GetStats()
	if stats.Running {
		t.Error("worker still running after Stop")
	}
	// a verdict evaluated while stopping may be recorded but not delivered
	total := eng.Statistics().TotalTransactions
	if stats.Processed > total || stats.Processed < total-1 {
		t.Errorf("worker processed %d, engine recorded %d", stats.Processed, total)
	}
}

func TestNilSink(t *testing.T) {
	var s *Sink
	v := &domain.Verdict{TransactionID: "tx"}
	s.SaveTransaction(context.Background(), &domain.Transaction{ID: "tx"})
	s.Deliver(context.Background(), v)
}
