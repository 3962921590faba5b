// Package engine orchestrates detection: it owns the account history, runs
// the rule snapshot, aggregates the verdict and feeds the statistics.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/history"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/stats"
	"github.com/opensource-finance/heron/internal/tadp"
)

var tracer = otel.Tracer("heron-engine")

// DefaultRecentAnomalies is how many anomalous verdicts are kept for reports.
const DefaultRecentAnomalies = 1000

// Engine is the detection engine. All methods are safe for concurrent use.
type Engine struct {
	rules     *rules.Set
	store     *history.Store
	processor *tadp.Processor
	stats     *stats.Accumulator
	recent    *anomalyLog
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for transactions without a timestamp and for
// reports.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithShards sets the number of history shards.
func WithShards(n int) Option {
	return func(e *Engine) { e.store = history.New(n) }
}

// WithRecentAnomalies sets how many anomalous verdicts are retained.
func WithRecentAnomalies(n int) Option {
	return func(e *Engine) { e.recent = newAnomalyLog(n) }
}

// New creates an engine over the given rule set.
func New(set *rules.Set, opts ...Option) *Engine {
	e := &Engine{
		rules:     set,
		store:     history.New(history.DefaultShards),
		processor: tadp.NewProcessor(),
		stats:     stats.New(),
		recent:    newAnomalyLog(DefaultRecentAnomalies),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDefault creates an engine with the built-in rules at their defaults.
func NewDefault(opts ...Option) (*Engine, error) {
	set, err := rules.NewSet()
	if err != nil {
		return nil, err
	}
	return New(set, opts...), nil
}

// Evaluate classifies one transaction. History read, rule evaluation, history
// write and the statistics update happen in one critical section on the
// account's shard. Evaluate never fails: missing optional fields leave the
// rules that need them untriggered and a zero timestamp is replaced by the
// engine clock.
func (e *Engine) Evaluate(ctx context.Context, tx domain.Transaction) domain.Verdict {
	_, span := tracer.Start(ctx, "engine.Evaluate",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("account.id", tx.AccountID),
		),
	)
	defer span.End()

	at := tx.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	snap := e.rules.Snapshot()

	var v domain.Verdict
	e.store.With(tx.AccountID, func(h *history.Entry) {
		h.Prune(at, snap.Retention())
		h.Append(domain.WindowSample{Timestamp: at, Amount: tx.Amount})

		in := &rules.Input{
			Tx:         tx,
			At:         at,
			Previous:   h.Last,
			PreviousAt: h.LastTime,
			Window:     h.Window,
		}
		records := snap.Evaluate(in)
		h.Remember(tx, at)

		v = e.processor.Process(tx, at, records)
		e.stats.Record(&v)
	})

	if v.IsAnomalous {
		e.recent.add(v)
	}

	span.SetAttributes(
		attribute.Bool("verdict.anomalous", v.IsAnomalous),
		attribute.Float64("verdict.risk_score", v.RiskScore),
	)
	return v
}

// EvaluateAll evaluates txs in order. Cancellation is honoured between
// transactions; the verdicts produced so far are returned with ctx.Err().
func (e *Engine) EvaluateAll(ctx context.Context, txs []domain.Transaction) ([]domain.Verdict, error) {
	verdicts := make([]domain.Verdict, 0, len(txs))
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return verdicts, err
		}
		verdicts = append(verdicts, e.Evaluate(ctx, tx))
	}
	return verdicts, nil
}

// EvaluateBatch normalises and evaluates raw payloads in order. Malformed
// fields do not stop the batch: each affected transaction is evaluated with
// safe defaults and the parse errors are returned joined.
func (e *Engine) EvaluateBatch(ctx context.Context, raws []domain.RawTransaction) ([]domain.Verdict, error) {
	verdicts := make([]domain.Verdict, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tx, err := raw.Normalize()
		if err != nil {
			errs = append(errs, err)
		}
		verdicts = append(verdicts, e.Evaluate(ctx, tx))
	}
	return verdicts, errors.Join(errs...)
}

// Stream evaluates transactions from src in arrival order. It blocks only on
// receiving from src and on sending to the returned channel. Cancellation is
// checked between transactions; a transaction already evaluated when ctx ends
// is fully recorded even if its verdict is not delivered. The returned
// channel is closed when src is closed or ctx is done.
func (e *Engine) Stream(ctx context.Context, src <-chan domain.Transaction) <-chan domain.Verdict {
	out := make(chan domain.Verdict)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case tx, ok := <-src:
				if !ok {
					return
				}
				v := e.Evaluate(ctx, tx)
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// EvaluatePerformance replays labelled transactions through Evaluate and
// compares each verdict with its label. The result is also recorded so that
// false positives and negatives appear in Statistics.
func (e *Engine) EvaluatePerformance(ctx context.Context, labeled []domain.LabeledTransaction) domain.Performance {
	var c stats.Confusion
	for _, lt := range labeled {
		if ctx.Err() != nil {
			break
		}
		v := e.Evaluate(ctx, lt.Transaction)
		c.Add(v.IsAnomalous, lt.IsFraudulent)
	}

	p := c.Performance()
	e.stats.RecordPerformance(p)
	return p
}

// Statistics returns a snapshot of the running counters.
func (e *Engine) Statistics() domain.StatisticsSnapshot {
	return e.stats.Snapshot()
}

// Rules returns the rule configuration in evaluation order.
func (e *Engine) Rules() []domain.RuleConfig {
	return e.rules.Configs()
}

// Rule returns one rule's configuration.
func (e *Engine) Rule(id string) (domain.RuleConfig, error) {
	return e.rules.Get(id)
}

// UpdateRule changes a rule's configuration. Unknown ids return
// rules.ErrRuleNotFound without changing state.
func (e *Engine) UpdateRule(id string, update domain.RuleUpdate) (domain.RuleConfig, error) {
	return e.rules.UpdateRule(id, update)
}

// AddRule appends an expression rule.
func (e *Engine) AddRule(cfg domain.RuleConfig) (domain.RuleConfig, error) {
	return e.rules.AddRule(cfg)
}

// Sweep drops window samples of accounts idle for longer than the retention
// horizon. Account identity and previous transactions are kept.
func (e *Engine) Sweep(now time.Time) int {
	return e.store.Sweep(now, e.rules.Snapshot().Retention())
}

// Accounts returns the number of accounts seen so far.
func (e *Engine) Accounts() int {
	return e.store.Accounts()
}

// RecentAnomalies returns up to limit anomalous verdicts, newest first.
func (e *Engine) RecentAnomalies(limit int) []domain.Verdict {
	return e.recent.list(limit)
}

// Report builds the detailed detection report.
func (e *Engine) Report(anomalyLimit int) domain.Report {
	snap := e.Statistics()
	return domain.Report{
		Summary: domain.ReportSummary{
			TotalTransactions: snap.TotalTransactions,
			AnomaliesDetected: snap.AnomalousTransactions,
			TrackedAccounts:   e.Accounts(),
			GeneratedAt:       e.now(),
		},
		Statistics: snap,
		Rules:      e.Rules(),
		Anomalies:  e.RecentAnomalies(anomalyLimit),
	}
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}
