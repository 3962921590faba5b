package rules

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/history"
)

// Definition is one entry of the closed built-in rule table.
type Definition struct {
	ID          string
	Description string
	Defaults    domain.RuleParams
	Check       Predicate
	Severity    SeverityFunc
	Validate    func(p domain.RuleParams) error
}

// Config returns the definition's default configuration, enabled.
func (d Definition) Config() domain.RuleConfig {
	cfg := domain.RuleConfig{
		ID:          d.ID,
		Description: d.Description,
		Enabled:     true,
		Params:      d.Defaults,
	}
	return cfg.Clone()
}

// Large-amount severity tiers.
var (
	criticalAmount = decimal.NewFromInt(20000)
	highAmount     = decimal.NewFromInt(10000)
)

var builtins = []Definition{
	{
		ID:          domain.RuleLargeAmount,
		Description: "Transactions above $5000",
		Defaults:    domain.RuleParams{Threshold: 5000},
		Check:       checkLargeAmount,
		Severity:    largeAmountSeverity,
		Validate: func(p domain.RuleParams) error {
			if p.Threshold < 0 || math.IsNaN(p.Threshold) {
				return fmt.Errorf("threshold must be non-negative, got %v", p.Threshold)
			}
			return nil
		},
	},
	{
		ID:          domain.RuleRapidTransactions,
		Description: "3+ transactions in 5 minutes",
		Defaults:    domain.RuleParams{Threshold: 3, WindowSeconds: 300},
		Check:       checkRapidTransactions,
		Severity:    fixedSeverity(domain.SeverityMedium),
		Validate: func(p domain.RuleParams) error {
			if p.Threshold < 1 {
				return fmt.Errorf("threshold must be at least 1, got %v", p.Threshold)
			}
			if p.WindowSeconds <= 0 {
				return fmt.Errorf("timeWindow must be positive, got %d", p.WindowSeconds)
			}
			return nil
		},
	},
	{
		ID:          domain.RuleOddHours,
		Description: "Transactions between 11 PM and 6 AM",
		Defaults:    domain.RuleParams{StartHour: 23, EndHour: 6},
		Check:       checkOddHours,
		Severity:    fixedSeverity(domain.SeverityMedium),
		Validate: func(p domain.RuleParams) error {
			if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 23 {
				return fmt.Errorf("hours must be within 0-23, got %d-%d", p.StartHour, p.EndHour)
			}
			return nil
		},
	},
	{
		ID:          domain.RuleGeographicImpossible,
		Description: "Impossible geographic travel",
		Defaults:    domain.RuleParams{MaxSpeedKmh: 800},
		Check:       checkGeographicImpossible,
		Severity:    fixedSeverity(domain.SeverityHigh),
		Validate: func(p domain.RuleParams) error {
			if p.MaxSpeedKmh <= 0 {
				return fmt.Errorf("maxSpeedKmh must be positive, got %v", p.MaxSpeedKmh)
			}
			return nil
		},
	},
	{
		ID:          domain.RuleSuspiciousCountries,
		Description: "Transactions from high-risk countries",
		Defaults:    domain.RuleParams{Countries: []string{"RU", "NG", "UA", "KP", "SY"}},
		Check:       checkSuspiciousCountry,
		Severity:    fixedSeverity(domain.SeverityHigh),
	},
	{
		ID:          domain.RuleUnusualMerchant,
		Description: "Transactions with suspicious merchants",
		Defaults:    domain.RuleParams{Merchants: []string{"DARK_WEB_STORE", "UNKNOWN_VENDOR", "TEST_MERCHANT"}},
		Check:       checkUnusualMerchant,
		Severity:    fixedSeverity(domain.SeverityCritical),
	},
}

// Builtin returns the built-in rule table in evaluation order.
func Builtin() []Definition {
	return slices.Clone(builtins)
}

// DefaultConfigs returns the default configuration of every built-in rule.
func DefaultConfigs() []domain.RuleConfig {
	configs := make([]domain.RuleConfig, 0, len(builtins))
	for _, d := range builtins {
		configs = append(configs, d.Config())
	}
	return configs
}

func lookupBuiltin(id string) (Definition, bool) {
	for _, d := range builtins {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

func fixedSeverity(s domain.Severity) SeverityFunc {
	return func(*Input, *domain.RuleConfig) domain.Severity { return s }
}

func largeAmountSeverity(in *Input, _ *domain.RuleConfig) domain.Severity {
	switch {
	case in.Tx.Amount.GreaterThan(criticalAmount):
		return domain.SeverityCritical
	case in.Tx.Amount.GreaterThan(highAmount):
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}

func checkLargeAmount(in *Input, cfg *domain.RuleConfig) (bool, string) {
	threshold := decimal.NewFromFloat(cfg.Params.Threshold)
	if in.Tx.Amount.GreaterThan(threshold) {
		return true, fmt.Sprintf("Large amount: $%s > $%s", in.Tx.Amount.String(), threshold.String())
	}
	return false, ""
}

func checkRapidTransactions(in *Input, cfg *domain.RuleConfig) (bool, string) {
	window := time.Duration(cfg.Params.WindowSeconds) * time.Second
	count := history.Count(in.Window, in.At, window)
	if float64(count) >= cfg.Params.Threshold {
		return true, fmt.Sprintf("Rapid transactions: %d in %d seconds", count, cfg.Params.WindowSeconds)
	}
	return false, ""
}

// checkOddHours flags transactions whose hour falls in the configured range.
// When StartHour > EndHour the range wraps midnight, [start,24) ∪ [0,end],
// which is the default 23-6 window. When StartHour <= EndHour the range is
// the contiguous [start,end], not the union [start,24) ∪ [0,end].
func checkOddHours(in *Input, cfg *domain.RuleConfig) (bool, string) {
	hour := in.At.Hour()
	start, end := cfg.Params.StartHour, cfg.Params.EndHour

	var odd bool
	if start > end {
		// Range wraps midnight: [start, 24) and [0, end]
		odd = hour >= start || hour <= end
	} else {
		odd = hour >= start && hour <= end
	}
	if odd {
		return true, fmt.Sprintf("Odd hour transaction: %02d:00", hour)
	}
	return false, ""
}

func checkGeographicImpossible(in *Input, cfg *domain.RuleConfig) (bool, string) {
	if in.Previous == nil {
		return false, ""
	}
	from, ok := CountryCoordinate(in.Previous.Country)
	if !ok {
		return false, ""
	}
	to, ok := CountryCoordinate(in.Tx.Country)
	if !ok {
		return false, ""
	}
	if in.At.Equal(in.PreviousAt) {
		return false, ""
	}

	hours := math.Abs(in.At.Sub(in.PreviousAt).Hours())
	speed := HaversineKm(from, to) / hours
	if speed > cfg.Params.MaxSpeedKmh {
		return true, fmt.Sprintf("Impossible travel: %.0f km/h required", speed)
	}
	return false, ""
}

func checkSuspiciousCountry(in *Input, cfg *domain.RuleConfig) (bool, string) {
	country := strings.ToUpper(strings.TrimSpace(in.Tx.Country))
	if country == "" {
		return false, ""
	}
	if containsFold(cfg.Params.Countries, country) {
		return true, fmt.Sprintf("Suspicious country: %s", country)
	}
	return false, ""
}

func checkUnusualMerchant(in *Input, cfg *domain.RuleConfig) (bool, string) {
	merchant := strings.TrimSpace(in.Tx.Merchant)
	if merchant == "" {
		return false, ""
	}
	if containsFold(cfg.Params.Merchants, merchant) {
		return true, fmt.Sprintf("Suspicious merchant: %s", merchant)
	}
	return false, ""
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
