package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input any
	}{
		{"Formatted", "2024-03-01 14:30:00"},
		{"RFC3339", "2024-03-01T14:30:00Z"},
		{"Naive ISO", "2024-03-01T14:30:00"},
		{"Native", want},
		{"Pointer", &want},
		{"EpochSeconds", float64(want.Unix())},
		{"EpochInt", want.Unix()},
		{"EpochMillis", float64(want.UnixMilli())},
		{"EpochString", "1709303400"},
		{"JSONNumber", json.Number("1709303400")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(want) {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		for _, in := range []any{nil, "", "yesterday", true, -5.0} {
			got, err := ParseTimestamp(in)
			if err == nil {
				t.Errorf("%v: expected error", in)
			}
			if !got.IsZero() {
				t.Errorf("%v: expected zero time, got %s", in, got)
			}
		}
	})
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input any
		want  string
	}{
		{"100.50", "100.5"},
		{json.Number("42"), "42"},
		{12.25, "12.25"},
		{7, "7"},
		{int64(9000), "9000"},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.input)
		if err != nil {
			t.Errorf("%v: unexpected error %v", tt.input, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("%v: expected %s, got %s", tt.input, tt.want, got)
		}
	}

	if _, err := ParseAmount("abc"); err == nil {
		t.Error("expected error for non-numeric amount")
	}
}

func TestNormalize(t *testing.T) {
	t.Run("Clean", func(t *testing.T) {
		raw := RawTransaction{
			ID:        "tx-1",
			AccountID: "ACC001",
			Timestamp: "2024-03-01 14:30:00",
			Amount:    "250.00",
			Currency:  "usd",
			Country:   " de ",
			Merchant:  " AMAZON ",
		}
		tx, err := raw.Normalize()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.Currency != "USD" || tx.Country != "DE" || tx.Merchant != "AMAZON" {
			t.Errorf("fields not normalised: %+v", tx)
		}
	})

	t.Run("MalformedFieldsDefault", func(t *testing.T) {
		raw := RawTransaction{ID: "tx-2", Timestamp: "garbage", Amount: "garbage"}
		tx, err := raw.Normalize()
		if !errors.Is(err, ErrMalformedInput) {
			t.Fatalf("expected ErrMalformedInput, got %v", err)
		}
		var mie *MalformedInputError
		if !errors.As(err, &mie) || mie.TransactionID != "tx-2" {
			t.Errorf("expected MalformedInputError for tx-2, got %v", err)
		}
		if !tx.Timestamp.IsZero() || !tx.Amount.IsZero() {
			t.Errorf("expected defaults, got %+v", tx)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		tx, err := RawTransaction{ID: "tx-3", Timestamp: "2024-03-01", Amount: -50}.Normalize()
		if !errors.Is(err, ErrMalformedInput) {
			t.Errorf("expected ErrMalformedInput, got %v", err)
		}
		if tx.Amount.String() != "50" {
			t.Errorf("expected absolute amount, got %s", tx.Amount)
		}
	})

	t.Run("Labeled", func(t *testing.T) {
		lt, err := RawTransaction{ID: "tx-4", Timestamp: "2024-03-01", Amount: 1, IsFraudulent: true}.Labeled()
		if err != nil || !lt.IsFraudulent || lt.ID != "tx-4" {
			t.Errorf("unexpected labelled transaction %+v (%v)", lt, err)
		}
	})
}

func TestSeverity(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Error("severities must be ordered")
	}

	data, err := json.Marshal(AnomalyRecord{Rule: "r", Severity: SeverityHigh})
	if err != nil {
		t.Fatal(err)
	}
	var rec AnomalyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Severity != SeverityHigh {
		t.Errorf("expected HIGH, got %s", rec.Severity)
	}

	if _, err := ParseSeverity("extreme"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if s, _ := ParseSeverity("critical"); s != SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", s)
	}
}

func TestRuleUpdateApply(t *testing.T) {
	cfg := RuleConfig{
		ID:      RuleSuspiciousCountries,
		Enabled: true,
		Params:  RuleParams{Countries: []string{"RU"}},
	}
	off := false
	updated := RuleUpdate{Enabled: &off, Countries: []string{"KP", "SY"}}.Apply(cfg)

	if updated.Enabled || len(updated.Params.Countries) != 2 {
		t.Errorf("update not applied: %+v", updated)
	}
	if !cfg.Enabled || len(cfg.Params.Countries) != 1 {
		t.Error("original config must not change")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HERON_DEBUG", "true")
	t.Setenv("HERON_PORT", "9090")
	t.Setenv("HERON_DB_DRIVER", "postgres")
	t.Setenv("HERON_REDIS_ADDR", "redis:6379")
	t.Setenv("HERON_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("HERON_SOURCE", "kafka")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Logging.Level != "debug" || cfg.Server.Port != 9090 || cfg.Repository.Driver != "postgres" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if !cfg.Cache.EnableTwoPhase || cfg.Cache.RedisAddr != "redis:6379" {
		t.Errorf("redis settings not applied: %+v", cfg.Cache)
	}
	if len(cfg.Source.KafkaBrokers) != 2 || cfg.Source.Type != "kafka" {
		t.Errorf("source settings not applied: %+v", cfg.Source)
	}
}
