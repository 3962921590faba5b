// Package history keeps per-account state for temporal and spatial rules.
package history

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/heron/internal/domain"
)

// DefaultShards is the shard count used when New is given a non-positive value.
const DefaultShards = 64

// Entry is the retained state of one account. It is only valid inside the
// callback passed to Store.With.
type Entry struct {
	// Last is the most recently evaluated transaction, nil on first sighting.
	Last *domain.Transaction
	// LastTime is the effective timestamp of Last.
	LastTime time.Time
	// Window holds samples in arrival order, bounded by the retention horizon.
	Window []domain.WindowSample

	newest time.Time
}

// Append records a sample and advances the newest-seen timestamp.
func (e *Entry) Append(s domain.WindowSample) {
	e.Window = append(e.Window, s)
	if s.Timestamp.After(e.newest) {
		e.newest = s.Timestamp
	}
}

// Prune drops samples at or before ref-retention, where ref is the earlier of
// at and the newest timestamp seen. A late transaction therefore keeps the
// samples inside its own trailing window. It returns the number of samples
// removed.
func (e *Entry) Prune(at time.Time, retention time.Duration) int {
	if len(e.Window) == 0 || e.newest.IsZero() {
		return 0
	}
	ref := e.newest
	if !at.IsZero() && at.Before(ref) {
		ref = at
	}
	cutoff := ref.Add(-retention)
	kept := e.Window[:0]
	for _, s := range e.Window {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := len(e.Window) - len(kept)
	// Clear the tail so dropped samples do not pin memory.
	for i := len(kept); i < len(e.Window); i++ {
		e.Window[i] = domain.WindowSample{}
	}
	e.Window = kept
	return removed
}

// CountWithin counts samples with timestamp in (at-window, at].
func (e *Entry) CountWithin(at time.Time, window time.Duration) int {
	return Count(e.Window, at, window)
}

// Count counts samples with timestamp in (at-window, at].
func Count(samples []domain.WindowSample, at time.Time, window time.Duration) int {
	cutoff := at.Add(-window)
	n := 0
	for _, s := range samples {
		if s.Timestamp.After(cutoff) && !s.Timestamp.After(at) {
			n++
		}
	}
	return n
}

// Remember makes tx the account's previous transaction.
func (e *Entry) Remember(tx domain.Transaction, at time.Time) {
	e.Last = &tx
	e.LastTime = at
}

type shard struct {
	mu       sync.Mutex
	accounts map[string]*Entry
}

// Store is the sharded account history. Accounts hash to one shard; each
// shard is guarded by its own mutex.
type Store struct {
	shards []*shard
}

// New creates a store with n shards.
func New(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{accounts: make(map[string]*Entry)}
	}
	return s
}

func (s *Store) shardFor(accountID string) *shard {
	return s.shards[xxhash.Sum64String(accountID)%uint64(len(s.shards))]
}

// With runs fn while holding the account's shard lock. The entry is created
// on first sighting and never removed. fn must not retain e.
func (s *Store) With(accountID string, fn func(e *Entry)) {
	sh := s.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.accounts[accountID]
	if !ok {
		e = &Entry{}
		sh.accounts[accountID] = e
	}
	fn(e)
}

// Sweep prunes every account window against now-retention, one shard at a
// time. Account identity and the previous transaction are kept. It returns
// the number of samples removed.
func (s *Store) Sweep(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.accounts {
			if len(e.Window) == 0 {
				continue
			}
			if cutoff.After(e.newest) {
				// Idle account: every sample is older than the horizon.
				removed += len(e.Window)
				e.Window = nil
				continue
			}
			removed += e.Prune(now, retention)
		}
		sh.mu.Unlock()
	}
	return removed
}

// Accounts returns the number of tracked accounts.
func (s *Store) Accounts() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.accounts)
		sh.mu.Unlock()
	}
	return n
}

// Samples returns the total number of retained window samples.
func (s *Store) Samples() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.accounts {
			n += len(e.Window)
		}
		sh.mu.Unlock()
	}
	return n
}
