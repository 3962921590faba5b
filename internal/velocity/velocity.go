// Package velocity summarises an account's stored transaction activity over
// a trailing window. Unlike the engine's in-memory history it reads from the
// repository, so it also covers transactions evaluated before a restart.
package velocity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

// DefaultCacheTTL bounds how stale a cached summary can be.
const DefaultCacheTTL = 5 * time.Second

// Summary is an account's activity within a window ending at Until.
type Summary struct {
	AccountID     string          `json:"accountId"`
	WindowSeconds int             `json:"windowSeconds"`
	Since         time.Time       `json:"since"`
	Until         time.Time       `json:"until"`
	Count         int             `json:"count"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Countries     []string        `json:"countries"`
}

// Service calculates transaction velocity for accounts.
type Service struct {
	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService creates a new velocity service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: DefaultCacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Summarize returns the account's activity in the window ending now.
// Transactions timestamped after now are ignored.
func (s *Service) Summarize(ctx context.Context, accountID string, window time.Duration) (*Summary, error) {
	if accountID == "" {
		return nil, fmt.Errorf("accountID is required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}

	key := fmt.Sprintf("velocity:%s:%d", accountID, int(window.Seconds()))
	if cached := s.fromCache(ctx, key); cached != nil {
		return cached, nil
	}

	until := s.now()
	since := until.Add(-window)

	txs, err := s.repo.GetTransactionsByAccount(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	sum := &Summary{
		AccountID:     accountID,
		WindowSeconds: int(window.Seconds()),
		Since:         since,
		Until:         until,
		TotalAmount:   decimal.Zero,
		Countries:     []string{},
	}
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.Timestamp.After(until) {
			continue
		}
		sum.Count++
		sum.TotalAmount = sum.TotalAmount.Add(tx.Amount)
		if tx.Country != "" && !seen[tx.Country] {
			seen[tx.Country] = true
			sum.Countries = append(sum.Countries, tx.Country)
		}
	}

	s.toCache(ctx, key, sum)
	return sum, nil
}

// Count returns only the number of transactions in the window.
func (s *Service) Count(ctx context.Context, accountID string, window time.Duration) (int, error) {
	sum, err := s.Summarize(ctx, accountID, window)
	if err != nil {
		return 0, err
	}
	return sum.Count, nil
}

func (s *Service) fromCache(ctx context.Context, key string) *Summary {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil || data == nil {
		return nil
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		slog.Warn("discarding unreadable velocity cache entry", "key", key, "error", err)
		return nil
	}
	return &sum
}

func (s *Service) toCache(ctx context.Context, key string, sum *Summary) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		slog.Warn("failed to cache velocity summary", "key", key, "error", err)
	}
}
