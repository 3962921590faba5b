// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP turns the triggered rules of one transaction into a bounded risk score
// and the final Verdict.
package tadp

import (
	"math"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	// ScorePerWeight scales a severity weight into risk points.
	ScorePerWeight = 25.0
	// MaxScore is the saturation ceiling of the risk score.
	MaxScore = 100.0
)

// Processor aggregates anomaly records and produces a Verdict.
type Processor struct {
	// ScorePerWeight and MaxScore default to the package constants.
	ScorePerWeight float64
	MaxScore       float64
}

// NewProcessor creates a new TADP processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		ScorePerWeight: ScorePerWeight,
		MaxScore:       MaxScore,
	}
}

// Score computes min(MaxScore, sum(weight * ScorePerWeight)). Many triggered
// rules plateau at MaxScore. The result is rounded to two decimals so equal
// inputs always produce byte-identical scores.
func (p *Processor) Score(records []domain.AnomalyRecord) float64 {
	if len(records) == 0 {
		return 0
	}

	total := 0.0
	for _, r := range records {
		total += r.Severity.Weight() * p.ScorePerWeight
	}
	total = math.Round(total*100) / 100

	if total > p.MaxScore {
		return p.MaxScore
	}
	return total
}

// Process builds the Verdict for tx evaluated at its effective timestamp.
func (p *Processor) Process(tx domain.Transaction, at time.Time, records []domain.AnomalyRecord) domain.Verdict {
	v := domain.Verdict{
		TransactionID:  tx.ID,
		AccountID:      tx.AccountID,
		Amount:         tx.Amount,
		Timestamp:      at,
		Anomalies:      records,
		AnomalyCount:   len(records),
		TriggeredRules: make([]string, 0, len(records)),
		RiskScore:      p.Score(records),
	}
	if v.Anomalies == nil {
		v.Anomalies = []domain.AnomalyRecord{}
	}
	for _, r := range records {
		v.TriggeredRules = append(v.TriggeredRules, r.Rule)
	}
	v.IsAnomalous = len(records) > 0

	return v
}

// ShouldAlert returns true if the verdict should raise an anomaly event.
func ShouldAlert(v *domain.Verdict) bool {
	return v.IsAnomalous
}

// HighestSeverity returns the most severe triggered record's severity, or 0.
func HighestSeverity(v *domain.Verdict) domain.Severity {
	var highest domain.Severity
	for _, r := range v.Anomalies {
		if r.Severity > highest {
			highest = r.Severity
		}
	}
	return highest
}
