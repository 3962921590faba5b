package domain

import "time"

// StatisticsSnapshot is a read-only copy of the running detection counters.
type StatisticsSnapshot struct {
	TotalTransactions     int64            `json:"totalTransactions"`
	AnomalousTransactions int64            `json:"anomalousTransactions"`
	AnomalyRate           float64          `json:"anomalyRate"` // percent
	RulesTriggered        map[string]int64 `json:"rulesTriggered"`
	FalsePositives        int64            `json:"falsePositives"`
	FalseNegatives        int64            `json:"falseNegatives"`
	Performance           *Performance     `json:"performance,omitempty"`
}

// Performance compares verdicts against ground-truth labels.
type Performance struct {
	TruePositives  int64   `json:"truePositives"`
	FalsePositives int64   `json:"falsePositives"`
	TrueNegatives  int64   `json:"trueNegatives"`
	FalseNegatives int64   `json:"falseNegatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1Score        float64 `json:"f1Score"`
	Accuracy       float64 `json:"accuracy"`
}

// Report is the detailed detection report: summary, counters, the active
// rule configuration and the most recent anomalies.
type Report struct {
	Summary    ReportSummary      `json:"summary"`
	Statistics StatisticsSnapshot `json:"statistics"`
	Rules      []RuleConfig       `json:"rulesConfiguration"`
	Anomalies  []Verdict          `json:"anomalies"`
}

// ReportSummary is the headline section of a Report.
type ReportSummary struct {
	TotalTransactions int64     `json:"totalTransactions"`
	AnomaliesDetected int64     `json:"anomaliesDetected"`
	TrackedAccounts   int       `json:"trackedAccounts"`
	GeneratedAt       time.Time `json:"generatedAt"`
}
