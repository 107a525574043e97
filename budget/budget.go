// Package budget implements the Reversion Budget: a daily,
// UTC-midnight-resetting cap on optimistic liquidation attempts that
// revert. It is the single source of truth across every Fast-Path
// Executor worker. A plain mutex-guarded counter rather than lock-free
// atomics, since the reset-on-UTC-midnight check makes this a compound
// operation, not a single increment.
package budget

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// Budget tracks today's optimistic-revert count against a daily cap.
type Budget struct {
	mu     sync.Mutex
	maxDay int
	used   int
	day    string // YYYY-MM-DD, UTC
	now    func() time.Time

	usedGauge metrics.Gauge
	exhausted metrics.Counter
}

// New builds a Budget capped at maxDay optimistic reverts per UTC day.
// now is injected so tests can control day rollover deterministically.
func New(maxDay int, now func() time.Time, reg metrics.Registry) *Budget {
	if maxDay <= 0 {
		maxDay = 5
	}
	if now == nil {
		now = time.Now
	}
	b := &Budget{maxDay: maxDay, now: now}
	if reg != nil {
		b.usedGauge = metrics.GetOrRegisterGauge("budget/reversions_used", reg)
		b.exhausted = metrics.GetOrRegisterCounter("budget/exhausted_total", reg)
	}
	b.rolloverLocked()
	return b
}

func (b *Budget) rolloverLocked() {
	day := b.now().UTC().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.used = 0
	}
}

// Available reports whether an optimistic dispatch may be attempted right
// now: used < maxDay for the current UTC day.
func (b *Budget) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.used < b.maxDay
}

// RecordOptimisticRevert increments today's counter. Call only for
// reverts of transactions that were dispatched optimistically
// (non-optimistic reverts never count).
func (b *Budget) RecordOptimisticRevert() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	b.used++
	if b.usedGauge != nil {
		b.usedGauge.Update(int64(b.used))
	}
	if b.used >= b.maxDay && b.exhausted != nil {
		b.exhausted.Inc(1)
	}
}

// Used reports today's optimistic revert count, for diagnostics and
// tests.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.used
}
