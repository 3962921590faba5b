package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

// base is a weekday noon, outside the default odd-hours range.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewDefault(opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return eng
}

func newTx(id, account string, amount int64, country string, at time.Time) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		AccountID: account,
		Amount:    decimal.NewFromInt(amount),
		Currency:  "USD",
		Type:      "ONLINE_PURCHASE",
		Merchant:  "AMAZON",
		Country:   country,
		Timestamp: at,
	}
}

func hasRule(v domain.Verdict, rule string) bool {
	for _, r := range v.TriggeredRules {
		if r == rule {
			return true
		}
	}
	return false
}

func TestEvaluateNormal(t *testing.T) {
	eng := newTestEngine(t)
	v := eng.Evaluate(context.Background(), newTx("tx-1", "ACC001", 100, "US", base))

	if v.IsAnomalous || v.RiskScore != 0 || len(v.Anomalies) != 0 {
		t.Errorf("expected clean verdict, got %+v", v)
	}
	if v.TransactionID != "tx-1" || v.AccountID != "ACC001" {
		t.Errorf("copy-through fields wrong: %+v", v)
	}
}

func TestVerdictInvariant(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	txs := []domain.Transaction{
		newTx("tx-1", "ACC001", 100, "US", base),
		newTx("tx-2", "ACC001", 25000, "RU", base.Add(time.Minute)),
		newTx("tx-3", "ACC002", 10, "", base.Add(2*time.Minute)),
	}
	for _, tx := range txs {
		v := eng.Evaluate(ctx, tx)
		if v.IsAnomalous != (v.RiskScore > 0) || v.IsAnomalous != (len(v.Anomalies) > 0) {
			t.Errorf("%s: invariant broken: %+v", tx.ID, v)
		}
		if v.AnomalyCount != len(v.Anomalies) || len(v.TriggeredRules) != len(v.Anomalies) {
			t.Errorf("%s: counts disagree: %+v", tx.ID, v)
		}
		if v.RiskScore < 0 || v.RiskScore > 100 {
			t.Errorf("%s: score out of range: %.2f", tx.ID, v.RiskScore)
		}
	}
}

func TestLargeAmountTiers(t *testing.T) {
	tests := []struct {
		amount   int64
		severity domain.Severity
	}{
		{6000, domain.SeverityMedium},
		{15000, domain.SeverityHigh},
		{25000, domain.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.amount), func(t *testing.T) {
			eng := newTestEngine(t)
			v := eng.Evaluate(context.Background(), newTx("tx", "ACC001", tt.amount, "US", base))
			if len(v.Anomalies) != 1 || v.Anomalies[0].Rule != domain.RuleLargeAmount {
				t.Fatalf("expected only large_amount, got %+v", v.Anomalies)
			}
			if v.Anomalies[0].Severity != tt.severity {
				t.Errorf("expected %s, got %s", tt.severity, v.Anomalies[0].Severity)
			}
		})
	}
}

func TestRapidTransactions(t *testing.T) {
	ctx := context.Background()

	run := func(eng *Engine, offsets ...int) []domain.Verdict {
		var out []domain.Verdict
		for i, o := range offsets {
			tx := newTx(fmt.Sprintf("tx-%d", i), "A", 10, "US", base.Add(time.Duration(o)*time.Second))
			out = append(out, eng.Evaluate(ctx, tx))
		}
		return out
	}

	t.Run("ThirdWithinWindowTriggers", func(t *testing.T) {
		verdicts := run(newTestEngine(t), 0, 100, 200)
		if hasRule(verdicts[0], domain.RuleRapidTransactions) || hasRule(verdicts[1], domain.RuleRapidTransactions) {
			t.Error("first two transactions must not trigger")
		}
		if !hasRule(verdicts[2], domain.RuleRapidTransactions) {
			t.Fatal("third transaction must trigger")
		}
		if got := verdicts[2].Anomalies[0].Reason; got != "Rapid transactions: 3 in 300 seconds" {
			t.Errorf("unexpected reason %q", got)
		}
	})

	t.Run("FourthAfterWindowDoesNotTrigger", func(t *testing.T) {
		verdicts := run(newTestEngine(t), 0, 100, 200, 1000)
		if hasRule(verdicts[3], domain.RuleRapidTransactions) {
			t.Error("t=1000 is outside the window")
		}
	})

	t.Run("FourthInsideWindowTriggers", func(t *testing.T) {
		verdicts := run(newTestEngine(t), 0, 100, 200, 250)
		if !hasRule(verdicts[3], domain.RuleRapidTransactions) {
			t.Error("t=250 is inside the window")
		}
	})

	t.Run("LateBurstCountsItsOwnWindow", func(t *testing.T) {
		verdicts := run(newTestEngine(t), 1000, 0, 100, 200)
		if hasRule(verdicts[2], domain.RuleRapidTransactions) {
			t.Error("t=100 sees only two transactions in its window")
		}
		if !hasRule(verdicts[3], domain.RuleRapidTransactions) {
			t.Fatalf("t=200 must trigger, got %+v", verdicts[3].Anomalies)
		}
		if got := verdicts[3].Anomalies[0].Reason; got != "Rapid transactions: 3 in 300 seconds" {
			t.Errorf("unexpected reason %q", got)
		}
	})

	t.Run("AccountsAreIndependent", func(t *testing.T) {
		eng := newTestEngine(t)
		for i := 0; i < 3; i++ {
			v := eng.Evaluate(ctx, newTx(fmt.Sprintf("tx-%d", i), fmt.Sprintf("ACC%d", i), 10, "US", base))
			if hasRule(v, domain.RuleRapidTransactions) {
				t.Errorf("account %d must not trigger", i)
			}
		}
	})

	t.Run("WindowMaintainedWhileDisabled", func(t *testing.T) {
		eng := newTestEngine(t)
		off, on := false, true
		if _, err := eng.UpdateRule(domain.RuleRapidTransactions, domain.RuleUpdate{Enabled: &off}); err != nil {
			t.Fatal(err)
		}
		verdicts := run(eng, 0, 100)
		for _, v := range verdicts {
			if hasRule(v, domain.RuleRapidTransactions) {
				t.Error("disabled rule triggered")
			}
		}
		if _, err := eng.UpdateRule(domain.RuleRapidTransactions, domain.RuleUpdate{Enabled: &on}); err != nil {
			t.Fatal(err)
		}
		v := eng.Evaluate(ctx, newTx("tx-x", "A", 10, "US", base.Add(200*time.Second)))
		if !hasRule(v, domain.RuleRapidTransactions) {
			t.Error("history recorded while disabled must count after re-enable")
		}
	})
}

func TestGeographicImpossible(t *testing.T) {
	ctx := context.Background()

	t.Run("OneHourApart", func(t *testing.T) {
		eng := newTestEngine(t)
		eng.Evaluate(ctx, newTx("tx-1", "ACC001", 10, "US", base))
		v := eng.Evaluate(ctx, newTx("tx-2", "ACC001", 10, "RU", base.Add(time.Hour)))
		if !hasRule(v, domain.RuleGeographicImpossible) {
			t.Errorf("expected geographic_impossible, got %v", v.TriggeredRules)
		}
	})

	t.Run("ThirtyHoursApart", func(t *testing.T) {
		eng := newTestEngine(t)
		eng.Evaluate(ctx, newTx("tx-1", "ACC001", 10, "US", base))
		v := eng.Evaluate(ctx, newTx("tx-2", "ACC001", 10, "RU", base.Add(30*time.Hour)))
		if hasRule(v, domain.RuleGeographicImpossible) {
			t.Error("30 hours is enough time")
		}
	})

	t.Run("PreviousIsPerAccount", func(t *testing.T) {
		eng := newTestEngine(t)
		eng.Evaluate(ctx, newTx("tx-1", "ACC001", 10, "US", base))
		v := eng.Evaluate(ctx, newTx("tx-2", "ACC002", 10, "JP", base.Add(time.Minute)))
		if hasRule(v, domain.RuleGeographicImpossible) {
			t.Error("different accounts must not be compared")
		}
	})
}

func TestSaturation(t *testing.T) {
	set, err := rules.NewSet()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, err := set.AddRule(domain.RuleConfig{
			ID:      fmt.Sprintf("critical_%d", i),
			Enabled: true,
			Params: domain.RuleParams{
				Expression: "amount > 0.0",
				Severity:   domain.SeverityCritical,
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	eng := New(set)

	v := eng.Evaluate(context.Background(), newTx("tx-1", "ACC001", 100, "US", base))
	if v.AnomalyCount != 5 {
		t.Fatalf("expected 5 anomalies, got %d", v.AnomalyCount)
	}
	if v.RiskScore != 100 {
		t.Errorf("expected score exactly 100, got %.2f", v.RiskScore)
	}
}

func TestAnomalyOrder(t *testing.T) {
	eng := newTestEngine(t)
	at := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	tx := newTx("tx-1", "ACC001", 25000, "RU", at)
	tx.Merchant = "DARK_WEB_STORE"

	v := eng.Evaluate(context.Background(), tx)
	want := []string{
		domain.RuleLargeAmount,
		domain.RuleOddHours,
		domain.RuleSuspiciousCountries,
		domain.RuleUnusualMerchant,
	}
	if !reflect.DeepEqual(v.TriggeredRules, want) {
		t.Errorf("expected %v, got %v", want, v.TriggeredRules)
	}
	// CRITICAL + MEDIUM + HIGH + CRITICAL = 25 + 10 + 17.5 + 25
	if v.RiskScore != 77.5 {
		t.Errorf("expected 77.5, got %.2f", v.RiskScore)
	}
}

func TestDisabledRulesNeverTrigger(t *testing.T) {
	eng := newTestEngine(t)
	off := false
	for _, cfg := range eng.Rules() {
		if _, err := eng.UpdateRule(cfg.ID, domain.RuleUpdate{Enabled: &off}); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	at := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tx := newTx(fmt.Sprintf("tx-%d", i), "ACC001", 50000, "RU", at.Add(time.Duration(i)*time.Second))
		tx.Merchant = "DARK_WEB_STORE"
		if v := eng.Evaluate(ctx, tx); v.IsAnomalous {
			t.Errorf("disabled rules produced %v", v.TriggeredRules)
		}
	}
}

func TestUpdateUnknownRule(t *testing.T) {
	eng := newTestEngine(t)
	before := eng.Rules()
	off := false
	_, err := eng.UpdateRule("does_not_exist", domain.RuleUpdate{Enabled: &off})
	if !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
	if !reflect.DeepEqual(before, eng.Rules()) {
		t.Error("rules changed after failed update")
	}
}

func TestMissingFields(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	eng := newTestEngine(t, WithClock(func() time.Time { return fixed }))

	tx := domain.Transaction{ID: "tx-1", AccountID: "ACC001", Amount: decimal.NewFromInt(10)}
	v := eng.Evaluate(context.Background(), tx)
	if v.IsAnomalous {
		t.Errorf("missing merchant/country must not trigger: %v", v.TriggeredRules)
	}
	if !v.Timestamp.Equal(fixed) {
		t.Errorf("zero timestamp should be replaced by clock, got %s", v.Timestamp)
	}
}

func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	var txs []domain.Transaction
	countries := []string{"US", "RU", "DE", "JP", "NG", "US"}
	for i := 0; i < 60; i++ {
		tx := newTx(fmt.Sprintf("tx-%d", i), fmt.Sprintf("ACC%d", i%4), int64(500*(i%13)), countries[i%len(countries)],
			base.Add(time.Duration(i*47)*time.Minute))
		if i%9 == 0 {
			tx.Merchant = "TEST_MERCHANT"
		}
		txs = append(txs, tx)
	}

	replay := func() []byte {
		eng := newTestEngine(t)
		verdicts, err := eng.EvaluateAll(ctx, txs)
		if err != nil {
			t.Fatal(err)
		}
		data, err := json.Marshal(verdicts)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	first, second := replay(), replay()
	if string(first) != string(second) {
		t.Error("replaying the same sequence produced different verdicts")
	}
}

func TestConcurrentSameAccount(t *testing.T) {
	const n = 10
	eng := newTestEngine(t)
	ctx := context.Background()

	verdicts := make([]domain.Verdict, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = eng.Evaluate(ctx, newTx(fmt.Sprintf("tx-%d", i), "SAME", 10, "US", base))
		}(i)
	}
	wg.Wait()

	var counts []int
	for _, v := range verdicts {
		for _, a := range v.Anomalies {
			if a.Rule != domain.RuleRapidTransactions {
				continue
			}
			var c, w int
			if _, err := fmt.Sscanf(a.Reason, "Rapid transactions: %d in %d seconds", &c, &w); err != nil {
				t.Fatalf("unparseable reason %q", a.Reason)
			}
			counts = append(counts, c)
		}
	}
	sort.Ints(counts)

	// Each evaluation sees a distinct count; those at or above the threshold trigger.
	if len(counts) != n-2 {
		t.Fatalf("expected %d triggers, got %d (%v)", n-2, len(counts), counts)
	}
	for i, c := range counts {
		if c != i+3 {
			t.Fatalf("lost update: counts %v", counts)
		}
	}
	if counts[len(counts)-1] != n {
		t.Errorf("expected max count %d, got %d", n, counts[len(counts)-1])
	}
	if got := eng.Statistics().TotalTransactions; got != n {
		t.Errorf("expected %d transactions, got %d", n, got)
	}
}

func TestConcurrentManyAccounts(t *testing.T) {
	eng := newTestEngine(t, WithShards(8))
	ctx := context.Background()

	var wg sync.WaitGroup
	for a := 0; a < 20; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				tx := newTx(fmt.Sprintf("tx-%d-%d", a, i), fmt.Sprintf("ACC%02d", a), 10, "US",
					base.Add(time.Duration(i)*time.Hour))
				eng.Evaluate(ctx, tx)
			}
		}(a)
	}
	wg.Wait()

	snap := eng.Statistics()
	if snap.TotalTransactions != 500 {
		t.Errorf("expected 500, got %d", snap.TotalTransactions)
	}
	if eng.Accounts() != 20 {
		t.Errorf("expected 20 accounts, got %d", eng.Accounts())
	}
}

func TestEvaluateBatch(t *testing.T) {
	eng := newTestEngine(t)
	raws := []domain.RawTransaction{
		{ID: "tx-1", AccountID: "ACC001", Timestamp: "2024-03-01 12:00:00", Amount: "100.50", Country: "us"},
		{ID: "tx-2", AccountID: "ACC001", Timestamp: "not a time", Amount: 20.0, Country: "US"},
		{ID: "tx-3", AccountID: "ACC001", Timestamp: float64(base.Unix()), Amount: "abc", Country: "US"},
		{ID: "tx-4", AccountID: "ACC002", Timestamp: base, Amount: 9000, Country: "DE"},
	}

	verdicts, err := eng.EvaluateBatch(context.Background(), raws)
	if len(verdicts) != len(raws) {
		t.Fatalf("expected %d verdicts, got %d", len(raws), len(verdicts))
	}
	if !errors.Is(err, domain.ErrMalformedInput) {
		t.Fatalf("expected malformed input error, got %v", err)
	}

	var malformed *domain.MalformedInputError
	if !errors.As(err, &malformed) {
		t.Fatal("expected *MalformedInputError in joined error")
	}
	if verdicts[2].Amount.Sign() != 0 {
		t.Errorf("unparseable amount should default to 0, got %s", verdicts[2].Amount)
	}
	if !hasRule(verdicts[3], domain.RuleLargeAmount) {
		t.Error("tx-4 should trigger large_amount")
	}
	if eng.Statistics().TotalTransactions != 4 {
		t.Errorf("every transaction must be evaluated")
	}
}

func TestStream(t *testing.T) {
	t.Run("OrderedUntilSourceCloses", func(t *testing.T) {
		eng := newTestEngine(t)
		src := make(chan domain.Transaction)
		go func() {
			defer close(src)
			for i := 0; i < 20; i++ {
				src <- newTx(fmt.Sprintf("tx-%d", i), "ACC001", 10, "US", base.Add(time.Duration(i)*time.Hour))
			}
		}()

		i := 0
		for v := range eng.Stream(context.Background(), src) {
			if want := fmt.Sprintf("tx-%d", i); v.TransactionID != want {
				t.Errorf("expected %s, got %s", want, v.TransactionID)
			}
			i++
		}
		if i != 20 {
			t.Errorf("expected 20 verdicts, got %d", i)
		}
	})

	t.Run("CancellationBetweenElements", func(t *testing.T) {
		eng := newTestEngine(t)
		ctx, cancel := context.WithCancel(context.Background())
		src := make(chan domain.Transaction, 10)
		for i := 0; i < 10; i++ {
			src <- newTx(fmt.Sprintf("tx-%d", i), "ACC001", 10, "US", base.Add(time.Duration(i)*time.Hour))
		}

		out := eng.Stream(ctx, src)
		received := 0
		for range 3 {
			<-out
			received++
		}
		cancel()
		for range out {
			received++
		}

		// Every evaluated transaction is counted exactly once; at most one
		// evaluated verdict may be undelivered.
		total := eng.Statistics().TotalTransactions
		if total < int64(received) || total > int64(received)+1 {
			t.Errorf("received %d verdicts but statistics counted %d", received, total)
		}
	})
}

func TestEvaluatePerformance(t *testing.T) {
	eng := newTestEngine(t)
	labeled := []domain.LabeledTransaction{
		{Transaction: newTx("tx-1", "ACC001", 25000, "US", base), IsFraudulent: true},
		{Transaction: newTx("tx-2", "ACC002", 9000, "US", base), IsFraudulent: true},
		{Transaction: newTx("tx-3", "ACC003", 8000, "US", base), IsFraudulent: false},
		{Transaction: newTx("tx-4", "ACC004", 50, "US", base), IsFraudulent: false},
	}

	p := eng.EvaluatePerformance(context.Background(), labeled)
	if p.TruePositives != 2 || p.FalsePositives != 1 || p.TrueNegatives != 1 || p.FalseNegatives != 0 {
		t.Fatalf("unexpected confusion matrix %+v", p)
	}
	wantPrecision := 2.0 / 3.0
	if p.Precision != wantPrecision || p.Recall != 1 {
		t.Errorf("unexpected precision/recall %v/%v", p.Precision, p.Recall)
	}
	wantF1 := 2 * wantPrecision * 1 / (wantPrecision + 1)
	if p.F1Score != wantF1 {
		t.Errorf("expected F1 %v, got %v", wantF1, p.F1Score)
	}

	snap := eng.Statistics()
	if snap.FalsePositives != 1 || snap.FalseNegatives != 0 {
		t.Errorf("FP/FN not recorded: %+v", snap)
	}
}

func TestStatisticsAndReport(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	eng.Evaluate(ctx, newTx("tx-1", "ACC001", 100, "US", base))
	eng.Evaluate(ctx, newTx("tx-2", "ACC002", 7000, "US", base))
	eng.Evaluate(ctx, newTx("tx-3", "ACC003", 100, "NG", base))

	snap := eng.Statistics()
	if snap.TotalTransactions != 3 || snap.AnomalousTransactions != 2 {
		t.Errorf("unexpected totals %+v", snap)
	}
	if snap.RulesTriggered[domain.RuleLargeAmount] != 1 || snap.RulesTriggered[domain.RuleSuspiciousCountries] != 1 {
		t.Errorf("unexpected rule counts %v", snap.RulesTriggered)
	}

	report := eng.Report(10)
	if report.Summary.AnomaliesDetected != 2 || report.Summary.TrackedAccounts != 3 {
		t.Errorf("unexpected summary %+v", report.Summary)
	}
	if len(report.Anomalies) != 2 || report.Anomalies[0].TransactionID != "tx-3" {
		t.Errorf("expected newest anomaly first, got %+v", report.Anomalies)
	}
	if len(report.Rules) != 6 {
		t.Errorf("expected 6 rules in report, got %d", len(report.Rules))
	}
}

func TestSweep(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	eng.Evaluate(ctx, newTx("tx-1", "ACC001", 10, "US", base))
	eng.Evaluate(ctx, newTx("tx-2", "ACC001", 10, "US", base.Add(time.Second)))

	if removed := eng.Sweep(base.Add(time.Hour)); removed != 2 {
		t.Errorf("expected 2 samples swept, got %d", removed)
	}
	if eng.Accounts() != 1 {
		t.Error("account identity must survive sweep")
	}

	// The previous transaction is still known after a sweep.
	v := eng.Evaluate(ctx, newTx("tx-3", "ACC001", 10, "RU", base.Add(time.Hour)))
	if !hasRule(v, domain.RuleGeographicImpossible) {
		t.Error("previous transaction lost by sweep")
	}
}

func TestAnomalyLog(t *testing.T) {
	log := newAnomalyLog(3)
	for i := 0; i < 5; i++ {
		log.add(domain.Verdict{TransactionID: fmt.Sprint(i)})
	}
	got := log.list(0)
	if len(got) != 3 || got[0].TransactionID != "4" || got[2].TransactionID != "2" {
		t.Errorf("unexpected ring contents %+v", got)
	}
	if len(log.list(1)) != 1 {
		t.Error("limit not applied")
	}
	if len(newAnomalyLog(3).list(10)) != 0 {
		t.Error("empty log should list nothing")
	}
}
