package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Severity is the ordinal weight class of a triggered rule.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// Weight is the risk contribution factor of the severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.7
	case SeverityMedium:
		return 0.4
	case SeverityLow:
		return 0.2
	default:
		return 0
	}
}

// ParseSeverity parses LOW, MEDIUM, HIGH or CRITICAL (case-insensitive).
func ParseSeverity(s string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == upper {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return json.Marshal("")
	}
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" {
		*s = 0
		return nil
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AnomalyRecord is the evidence left by one triggered rule.
type AnomalyRecord struct {
	Rule        string   `json:"rule"`
	Description string   `json:"description"`
	Reason      string   `json:"reason"`
	Severity    Severity `json:"severity"`
}

// Verdict is the complete evaluation result for one transaction.
// IsAnomalous, RiskScore > 0 and len(Anomalies) > 0 always agree.
type Verdict struct {
	TransactionID  string          `json:"transactionId"`
	AccountID      string          `json:"accountId"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
	IsAnomalous    bool            `json:"isAnomalous"`
	AnomalyCount   int             `json:"anomalyCount"`
	Anomalies      []AnomalyRecord `json:"anomalies"`
	RiskScore      float64         `json:"riskScore"`
	TriggeredRules []string        `json:"triggeredRules"`
}

// Reasons returns the human-readable reasons in evaluation order.
func (v *Verdict) Reasons() []string {
	reasons := make([]string, 0, len(v.Anomalies))
	for _, a := range v.Anomalies {
		reasons = append(reasons, a.Reason)
	}
	return reasons
}

// WindowSample is one entry of an account's trailing window.
type WindowSample struct {
	Timestamp time.Time
	Amount    decimal.Decimal
}
