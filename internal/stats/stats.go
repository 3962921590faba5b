// Package stats accumulates running detection counters.
package stats

import (
	"maps"
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
)

// Accumulator counts evaluated transactions, anomalies and rule triggers.
// Every counter is guarded by one short RWMutex so snapshots never tear.
type Accumulator struct {
	mu             sync.RWMutex
	total          int64
	anomalous      int64
	rulesTriggered map[string]int64
	performance    *domain.Performance
}

// New creates an empty accumulator.
func New() *Accumulator {
	return &Accumulator{rulesTriggered: make(map[string]int64)}
}

// Record counts one verdict. It is called exactly once per evaluation.
func (a *Accumulator) Record(v *domain.Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if !v.IsAnomalous {
		return
	}
	a.anomalous++
	for _, rule := range v.TriggeredRules {
		a.rulesTriggered[rule]++
	}
}

// RecordPerformance stores the result of the latest labelled evaluation.
func (a *Accumulator) RecordPerformance(p domain.Performance) {
	a.mu.Lock()
	a.performance = &p
	a.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (a *Accumulator) Snapshot() domain.StatisticsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := domain.StatisticsSnapshot{
		TotalTransactions:     a.total,
		AnomalousTransactions: a.anomalous,
		RulesTriggered:        maps.Clone(a.rulesTriggered),
	}
	if snap.TotalTransactions > 0 {
		snap.AnomalyRate = float64(snap.AnomalousTransactions) / float64(snap.TotalTransactions) * 100
	}
	if a.performance != nil {
		p := *a.performance
		snap.Performance = &p
		snap.FalsePositives = p.FalsePositives
		snap.FalseNegatives = p.FalseNegatives
	}
	return snap
}

// ComputePerformance derives precision, recall, F1 and accuracy from a
// confusion matrix. Each ratio is 0 when its denominator is 0.
func ComputePerformance(tp, fp, tn, fn int64) domain.Performance {
	p := domain.Performance{
		TruePositives:  tp,
		FalsePositives: fp,
		TrueNegatives:  tn,
		FalseNegatives: fn,
	}

	if tp+fp > 0 {
		p.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		p.Recall = float64(tp) / float64(tp+fn)
	}
	if p.Precision+p.Recall > 0 {
		p.F1Score = 2 * (p.Precision * p.Recall) / (p.Precision + p.Recall)
	}
	if total := tp + fp + tn + fn; total > 0 {
		p.Accuracy = float64(tp+tn) / float64(total)
	}
	return p
}

// Confusion tallies predicted-vs-actual outcomes.
type Confusion struct {
	TP, FP, TN, FN int64
}

// Add records one prediction against its label.
func (c *Confusion) Add(predicted, actual bool) {
	switch {
	case predicted && actual:
		c.TP++
	case predicted && !actual:
		c.FP++
	case !predicted && actual:
		c.FN++
	default:
		c.TN++
	}
}

// Performance computes the derived metrics for the tally.
func (c Confusion) Performance() domain.Performance {
	return ComputePerformance(c.TP, c.FP, c.TN, c.FN)
}
