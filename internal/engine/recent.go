package engine

import (
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
)

// anomalyLog is a fixed-size ring of the most recent anomalous verdicts.
type anomalyLog struct {
	mu    sync.Mutex
	items []domain.Verdict
	next  int
	full  bool
}

func newAnomalyLog(size int) *anomalyLog {
	if size <= 0 {
		size = DefaultRecentAnomalies
	}
	return &anomalyLog{items: make([]domain.Verdict, size)}
}

func (l *anomalyLog) add(v domain.Verdict) {
	l.mu.Lock()
	l.items[l.next] = v
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// list returns up to limit verdicts, newest first. limit <= 0 means all.
func (l *anomalyLog) list(limit int) []domain.Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]domain.Verdict, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.items)) % len(l.items)
		out = append(out, l.items[idx])
	}
	return out
}
