// Package worker drives the detection engine from a transaction source and
// fans verdicts out to storage, cache and the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/source"
	"github.com/opensource-finance/heron/internal/tadp"
)

// DefaultVerdictTTL is how long verdicts stay in the cache.
const DefaultVerdictTTL = 10 * time.Minute

// Sink persists and publishes evaluation results. Every collaborator is
// optional; nil ones are skipped. Failures are logged, never returned, so a
// broken downstream cannot stall detection.
type Sink struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	VerdictTTL time.Duration
}

// SaveTransaction stores the incoming transaction.
func (s *Sink) SaveTransaction(ctx context.Context, tx *domain.Transaction) {
	if s == nil || s.Repo == nil {
		return
	}
	if err := s.Repo.SaveTransaction(ctx, tx); err != nil {
		slog.Error("failed to save transaction",
			"tx_id", tx.ID,
			"error", err,
		)
	}
}

// Deliver stores, caches and publishes one verdict. Anomalous verdicts are
// also published on the anomaly topic.
func (s *Sink) Deliver(ctx context.Context, v *domain.Verdict) {
	if s == nil {
		return
	}

	if s.Repo != nil {
		if err := s.Repo.SaveVerdict(ctx, v); err != nil {
			slog.Error("failed to save verdict",
				"tx_id", v.TransactionID,
				"error", err,
			)
		}
	}

	if s.Cache != nil {
		ttl := s.VerdictTTL
		if ttl <= 0 {
			ttl = DefaultVerdictTTL
		}
		if err := s.Cache.SetVerdict(ctx, v, ttl); err != nil {
			slog.Warn("failed to cache verdict",
				"tx_id", v.TransactionID,
				"error", err,
			)
		}
	}

	if s.Bus == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode verdict", "tx_id", v.TransactionID, "error", err)
		return
	}
	if err := s.Bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
		slog.Error("failed to publish verdict",
			"tx_id", v.TransactionID,
			"error", err,
		)
	}
	if tadp.ShouldAlert(v) {
		if err := s.Bus.Publish(ctx, domain.TopicAnomaly, payload); err != nil {
			slog.Error("failed to publish anomaly",
				"tx_id", v.TransactionID,
				"error", err,
			)
		}
	}
}

// Worker evaluates a source's stream with Engine.Stream and hands each
// verdict to the sink.
type Worker struct {
	engine *engine.Engine
	sink   *Sink

	processed atomic.Int64
	anomalies atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a worker. sink may be nil.
func NewWorker(eng *engine.Engine, sink *Sink) *Worker {
	return &Worker{engine: eng, sink: sink}
}

// ErrRunning is returned by Start when the worker is already running.
var ErrRunning = errors.New("worker already running")

// Start runs the pipeline in the background until src is exhausted, ctx ends
// or Stop is called.
func (w *Worker) Start(ctx context.Context, src source.Source) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	txs, err := src.Stream(ctx)
	if err != nil {
		cancel()
		return err
	}

	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		defer func() {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}()
		w.run(ctx, txs)
	}()

	slog.Info("worker started")
	return nil
}

func (w *Worker) run(ctx context.Context, txs <-chan domain.Transaction) {
	// persist each transaction before it reaches the engine, keeping order
	in := make(chan domain.Transaction)
	go func() {
		defer close(in)
		for tx := range txs {
			w.sink.SaveTransaction(ctx, &tx)
			select {
			case in <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()

	for v := range w.engine.Stream(ctx, in) {
		w.handle(ctx, &v)
	}
}

func (w *Worker) handle(ctx context.Context, v *domain.Verdict) {
	w.processed.Add(1)
	if v.IsAnomalous {
		w.anomalies.Add(1)
		slog.Info("anomaly detected",
			"tx_id", v.TransactionID,
			"account_id", v.AccountID,
			"risk_score", v.RiskScore,
			"rules", v.TriggeredRules,
		)
	} else {
		slog.Debug("transaction processed", "tx_id", v.TransactionID)
	}
	w.sink.Deliver(ctx, v)
}

// Wait blocks until the pipeline has stopped.
func (w *Worker) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the pipeline and waits for it to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.Wait()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"anomalies", w.anomalies.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	Running   bool  `json:"running"`
	Processed int64 `json:"processed"`
	Anomalies int64 `json:"anomalies"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Stats{
		Running:   running,
		Processed: w.processed.Load(),
		Anomalies: w.anomalies.Load(),
	}
}
