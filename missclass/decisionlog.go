package missclass

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/fenwick-labs/liquidator/types"
)

// Log is the bounded, TTL'd ring buffer of recent Execution
// Decisions: the Fast-Path Executor appends, the Miss Classifier
// reads, never the reverse.
type Log struct {
	mu       sync.Mutex
	entries  []types.ExecutionDecision
	capacity int
	ttl      time.Duration
	now      func() time.Time

	appended metrics.Counter
	evicted  metrics.Counter
}

// NewLog builds an empty Log.
func NewLog(cfg Config, now func() time.Time, reg metrics.Registry) *Log {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	l := &Log{capacity: cfg.Capacity, ttl: cfg.TTL, now: now}
	if reg != nil {
		l.appended = metrics.GetOrRegisterCounter("decisionlog/appended_total", reg)
		l.evicted = metrics.GetOrRegisterCounter("decisionlog/evicted_total", reg)
	}
	return l
}

// Append records a new decision, evicting the oldest entry if the buffer
// is at capacity.
func (l *Log) Append(d types.ExecutionDecision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.capacity {
		l.entries = l.entries[1:]
		if l.evicted != nil {
			l.evicted.Inc(1)
		}
	}
	l.entries = append(l.entries, d)
	if l.appended != nil {
		l.appended.Inc(1)
	}
}

// MostRecent returns the most recent decision for addr recorded within
// ttl of asOf, satisfying the missclass.DecisionLog interface.
func (l *Log) MostRecent(addr common.Address, asOf time.Time, ttl time.Duration) (types.ExecutionDecision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		d := l.entries[i]
		if d.Borrower != addr {
			continue
		}
		if asOf.Sub(d.Timestamp) > ttl {
			continue
		}
		return d, true
	}
	return types.ExecutionDecision{}, false
}

// Clean drops entries older than the configured TTL from the tail of the
// buffer, amortizing the periodic cleanup the Orchestrator runs each
// block.
func (l *Log) Clean() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := 0
	for cutoff < len(l.entries) && now.Sub(l.entries[cutoff].Timestamp) > l.ttl {
		cutoff++
	}
	if cutoff == 0 {
		return 0
	}
	l.entries = l.entries[cutoff:]
	return cutoff
}

// Len reports the current buffer size.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
