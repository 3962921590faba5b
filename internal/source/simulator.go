package source

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	simAccounts = []string{
		"ACC001", "ACC002", "ACC003", "ACC004", "ACC005",
		"ACC006", "ACC007", "ACC008", "ACC009", "ACC010",
	}
	simTypes = []string{
		"TRANSFER", "WITHDRAWAL", "DEPOSIT", "BILL_PAYMENT", "ONLINE_PURCHASE",
	}
	simMerchants = []string{
		"AMAZON", "EBAY", "NETFLIX", "SPOTIFY", "UBER",
		"WALMART", "STARBUCKS", "APPLE_STORE", "GOOGLE_PLAY", "MICROSOFT",
	}
	simCountries           = []string{"US", "UK", "CA", "AU", "DE", "FR", "JP", "SG", "IN"}
	simSuspiciousCountries = []string{"RU", "CN", "NG", "UA", "BR"}
	simSuspiciousMerchants = []string{"DARK_WEB_STORE", "UNKNOWN_VENDOR", "TEST_MERCHANT"}
)

// Anomaly kinds injected by the simulator.
const (
	AnomalyLargeAmount        = "LARGE_AMOUNT"
	AnomalyRapidTransaction   = "RAPID_TRANSACTION"
	AnomalyOddHours           = "ODD_HOURS"
	AnomalySuspiciousCountry  = "SUSPICIOUS_COUNTRY"
	AnomalySuspiciousMerchant = "SUSPICIOUS_MERCHANT"
)

var anomalyKinds = []string{
	AnomalyLargeAmount,
	AnomalyRapidTransaction,
	AnomalyOddHours,
	AnomalySuspiciousCountry,
	AnomalySuspiciousMerchant,
}

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	Seed int64

	// AnomalyRate is the probability that a streamed transaction is anomalous.
	AnomalyRate float64

	// Interval is the pause between streamed transactions. Zero streams as
	// fast as the consumer reads.
	Interval time.Duration

	// Count bounds the stream. Zero means unbounded.
	Count int

	// Now anchors generated timestamps. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Simulator generates labelled synthetic transactions. The same seed and
// clock always produce the same sequence.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
	cfg SimulatorConfig
}

// NewSimulator creates a simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.AnomalyRate < 0 || cfg.AnomalyRate > 1 {
		cfg.AnomalyRate = 0.05
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Simulator{
		rng: rand.New(rand.NewSource(cfg.Seed)),
		cfg: cfg,
	}
}

// Normal generates a legitimate transaction dated within the past week.
func (s *Simulator) Normal() domain.LabeledTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normal()
}

// Anomalous generates a fraudulent transaction of a random kind and reports
// which kind was injected.
func (s *Simulator) Anomalous() (domain.LabeledTransaction, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anomalous()
}

// Next generates one transaction, anomalous with probability AnomalyRate.
func (s *Simulator) Next() domain.LabeledTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() < s.cfg.AnomalyRate {
		lt, _ := s.anomalous()
		return lt
	}
	return s.normal()
}

// Dataset generates numNormal legitimate and numAnomalous fraudulent
// transactions, shuffled together.
func (s *Simulator) Dataset(numNormal, numAnomalous int) []domain.LabeledTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.LabeledTransaction, 0, numNormal+numAnomalous)
	for i := 0; i < numNormal; i++ {
		out = append(out, s.normal())
	}
	for i := 0; i < numAnomalous; i++ {
		lt, _ := s.anomalous()
		out = append(out, lt)
	}
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Labeled streams labelled transactions until Count is reached or ctx ends.
func (s *Simulator) Labeled(ctx context.Context) <-chan domain.LabeledTransaction {
	out := make(chan domain.LabeledTransaction)
	go func() {
		defer close(out)

		var ticker *time.Ticker
		if s.cfg.Interval > 0 {
			ticker = time.NewTicker(s.cfg.Interval)
			defer ticker.Stop()
		}

		for i := 0; s.cfg.Count == 0 || i < s.cfg.Count; i++ {
			if ticker != nil && i > 0 {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- s.Next():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Stream implements Source by dropping the labels from Labeled.
func (s *Simulator) Stream(ctx context.Context) (<-chan domain.Transaction, error) {
	labeled := s.Labeled(ctx)
	out := make(chan domain.Transaction)
	go func() {
		defer close(out)
		for lt := range labeled {
			select {
			case out <- lt.Transaction:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close implements Source.
func (s *Simulator) Close() error { return nil }

func (s *Simulator) normal() domain.LabeledTransaction {
	now := s.cfg.Now()
	ts := now.Add(-time.Duration(s.rng.Intn(10081))*time.Minute - time.Duration(s.rng.Intn(60))*time.Second)

	txType := pick(s.rng, simTypes)
	merchant := "BANK"
	if txType == "ONLINE_PURCHASE" {
		merchant = pick(s.rng, simMerchants)
	}

	return domain.LabeledTransaction{
		Transaction: domain.Transaction{
			ID:        s.newID(),
			Timestamp: ts.Truncate(time.Second),
			AccountID: pick(s.rng, simAccounts),
			Amount:    s.uniformAmount(10, 1000),
			Currency:  "USD",
			Type:      txType,
			Merchant:  merchant,
			Country:   pick(s.rng, simCountries),
			IPAddress: fmt.Sprintf("%d.%d.%d.%d", s.octet(), s.octet(), s.octet(), s.octet()),
			DeviceID:  fmt.Sprintf("DEV%d", 1000+s.rng.Intn(9000)),
		},
	}
}

func (s *Simulator) anomalous() (domain.LabeledTransaction, string) {
	lt := s.normal()
	lt.IsFraudulent = true

	kind := pick(s.rng, anomalyKinds)
	switch kind {
	case AnomalyLargeAmount:
		lt.Amount = s.uniformAmount(5000, 50000)
	case AnomalyRapidTransaction:
		lt.Timestamp = s.cfg.Now().Truncate(time.Second)
	case AnomalyOddHours:
		now := s.cfg.Now()
		lt.Timestamp = time.Date(now.Year(), now.Month(), now.Day(),
			2+s.rng.Intn(4), s.rng.Intn(60), now.Second(), 0, now.Location())
	case AnomalySuspiciousCountry:
		lt.Country = pick(s.rng, simSuspiciousCountries)
	case AnomalySuspiciousMerchant:
		lt.Merchant = pick(s.rng, simSuspiciousMerchants)
	}
	return lt, kind
}

func (s *Simulator) newID() string {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Simulator) uniformAmount(lo, hi float64) decimal.Decimal {
	return decimal.NewFromFloat(lo + s.rng.Float64()*(hi-lo)).Round(2)
}

func (s *Simulator) octet() int {
	return 1 + s.rng.Intn(255)
}

func pick(rng *rand.Rand, items []string) string {
	return items[rng.Intn(len(items))]
}
