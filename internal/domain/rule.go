package domain

// Built-in rule identifiers, in evaluation order.
const (
	RuleLargeAmount          = "large_amount"
	RuleRapidTransactions    = "rapid_transactions"
	RuleOddHours             = "odd_hours"
	RuleGeographicImpossible = "geographic_impossible"
	RuleSuspiciousCountries  = "suspicious_countries"
	RuleUnusualMerchant      = "unusual_merchant"
)

// RuleConfig defines one rule's configuration.
type RuleConfig struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	Params      RuleParams `json:"params"`
}

// RuleParams holds rule-specific parameters. Each rule reads only the fields
// it understands.
type RuleParams struct {
	// large_amount: amount threshold; rapid_transactions: transaction count
	Threshold float64 `json:"threshold,omitempty"`

	// rapid_transactions
	WindowSeconds int `json:"timeWindow,omitempty"`

	// odd_hours
	StartHour int `json:"startHour,omitempty"`
	EndHour   int `json:"endHour,omitempty"`

	// geographic_impossible
	MaxSpeedKmh float64 `json:"maxSpeedKmh,omitempty"`

	// suspicious_countries / unusual_merchant
	Countries []string `json:"countries,omitempty"`
	Merchants []string `json:"merchants,omitempty"`

	// expression rules
	Expression string   `json:"expression,omitempty"`
	Severity   Severity `json:"severity,omitempty"`
}

// Clone returns a deep copy so snapshots never share slices.
func (c RuleConfig) Clone() RuleConfig {
	out := c
	out.Params.Countries = append([]string(nil), c.Params.Countries...)
	out.Params.Merchants = append([]string(nil), c.Params.Merchants...)
	return out
}

// RuleUpdate carries optional field changes for an existing rule.
// Nil fields are left untouched.
type RuleUpdate struct {
	Enabled       *bool     `json:"enabled,omitempty"`
	Description   *string   `json:"description,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	WindowSeconds *int      `json:"timeWindow,omitempty"`
	StartHour     *int      `json:"startHour,omitempty"`
	EndHour       *int      `json:"endHour,omitempty"`
	MaxSpeedKmh   *float64  `json:"maxSpeedKmh,omitempty"`
	Countries     []string  `json:"countries,omitempty"`
	Merchants     []string  `json:"merchants,omitempty"`
	Expression    *string   `json:"expression,omitempty"`
	Severity      *Severity `json:"severity,omitempty"`
}

// Apply returns cfg with the update's non-nil fields applied.
func (u RuleUpdate) Apply(cfg RuleConfig) RuleConfig {
	out := cfg.Clone()
	if u.Enabled != nil {
		out.Enabled = *u.Enabled
	}
	if u.Description != nil {
		out.Description = *u.Description
	}
	if u.Threshold != nil {
		out.Params.Threshold = *u.Threshold
	}
	if u.WindowSeconds != nil {
		out.Params.WindowSeconds = *u.WindowSeconds
	}
	if u.StartHour != nil {
		out.Params.StartHour = *u.StartHour
	}
	if u.EndHour != nil {
		out.Params.EndHour = *u.EndHour
	}
	if u.MaxSpeedKmh != nil {
		out.Params.MaxSpeedKmh = *u.MaxSpeedKmh
	}
	if u.Countries != nil {
		out.Params.Countries = append([]string(nil), u.Countries...)
	}
	if u.Merchants != nil {
		out.Params.Merchants = append([]string(nil), u.Merchants...)
	}
	if u.Expression != nil {
		out.Params.Expression = *u.Expression
	}
	if u.Severity != nil {
		out.Params.Severity = *u.Severity
	}
	return out
}
