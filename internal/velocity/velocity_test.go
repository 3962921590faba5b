package velocity

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
)

func TestVelocityService(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "velocity.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lruCache := cache.NewLRUCache(100)
	svc := NewService(repo, lruCache)
	svc.now = func() time.Time { return now }

	ctx := context.Background()

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.Count(ctx, "ACC001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty database, got %d", count)
		}
	})

	for i := 0; i < 5; i++ {
		tx := &domain.Transaction{
			ID:        fmt.Sprintf("tx-%d", i),
			AccountID: "ACC002",
			Timestamp: now.Add(-time.Duration(i*20) * time.Minute),
			Amount:    decimal.NewFromInt(100),
			Currency:  "USD",
			Country:   []string{"US", "US", "DE", "US", "FR"}[i],
		}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}
	}
	future := &domain.Transaction{ID: "tx-future", AccountID: "ACC002", Timestamp: now.Add(time.Hour), Amount: decimal.NewFromInt(1)}
	_ = repo.SaveTransaction(ctx, future)

	t.Run("WithinWindow", func(t *testing.T) {
		// 0, 20 and 40 minutes ago fall inside the last 45 minutes
		sum, err := svc.Summarize(ctx, "ACC002", 45*time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sum.Count != 3 {
			t.Errorf("expected 3 transactions, got %d", sum.Count)
		}
		if !sum.TotalAmount.Equal(decimal.NewFromInt(300)) {
			t.Errorf("expected total 300, got %s", sum.TotalAmount)
		}
		if len(sum.Countries) != 2 || sum.Countries[0] != "DE" {
			t.Errorf("expected distinct countries oldest first, got %v", sum.Countries)
		}
	})

	t.Run("CachedSummary", func(t *testing.T) {
		extra := &domain.Transaction{ID: "tx-extra", AccountID: "ACC002", Timestamp: now.Add(-time.Minute), Amount: decimal.NewFromInt(5)}
		_ = repo.SaveTransaction(ctx, extra)

		count, _ := svc.Count(ctx, "ACC002", 45*time.Minute)
		if count != 3 {
			t.Errorf("expected cached count 3, got %d", count)
		}

		uncached := NewService(repo, nil)
		uncached.now = svc.now
		if count, _ := uncached.Count(ctx, "ACC002", 45*time.Minute); count != 4 {
			t.Errorf("expected fresh count 4, got %d", count)
		}
	})

	t.Run("AccountIsolation", func(t *testing.T) {
		count, _ := svc.Count(ctx, "ACC999", 24*time.Hour)
		if count != 0 {
			t.Errorf("expected 0 for unknown account, got %d", count)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := svc.Summarize(ctx, "", time.Hour); err == nil {
			t.Error("expected error for empty account")
		}
		if _, err := svc.Summarize(ctx, "ACC002", 0); err == nil {
			t.Error("expected error for zero window")
		}
	})
}
