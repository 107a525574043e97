// Package dirty implements the Dirty Set: a TTL-bounded collection of
// borrowers flagged for re-verification, with the reason(s) each borrower
// was flagged for. Entries expire on their own schedule so a borrower
// marked dirty by a price move does not linger forever if never drained.
package dirty

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/fenwick-labs/liquidator/telemetry"
	"github.com/fenwick-labs/liquidator/types"
)

type record struct {
	reasons mapset.Set[types.Reason]
	expires map[types.Reason]time.Time
}

// Set is the Dirty Set. Safe for concurrent use: the Orchestrator's
// per-block critical section drains it while event/price goroutines mark
// new entries concurrently.
type Set struct {
	mu      sync.Mutex
	records map[common.Address]*record
	ttl     time.Duration
	now     func() time.Time

	marked  metrics.Counter
	drained metrics.Counter
	size    metrics.Gauge
}

// Config controls the Dirty Set's TTL.
type Config struct {
	TTL time.Duration
}

// New builds an empty Dirty Set. now is the pipeline's clock function
// (injected so tests can control expiry deterministically).
func New(cfg Config, now func() time.Time, sink *telemetry.Sink) *Set {
	s := &Set{
		records: make(map[common.Address]*record),
		ttl:     cfg.TTL,
		now:     now,
	}
	if sink != nil {
		s.marked = sink.Counter("dirty/marked")
		s.drained = sink.Counter("dirty/drained")
		s.size = sink.Gauge("dirty/size")
	}
	return s
}

// Mark flags a borrower dirty for the given reason, refreshing that
// reason's TTL if it is already present. Marking the same borrower for
// two different reasons keeps both until each individually expires. The
// marked counter moves only on the first addition of a reason; a TTL
// refresh is not a new mark.
func (s *Set) Mark(borrower common.Address, reason types.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[borrower]
	if !ok {
		r = &record{reasons: mapset.NewThreadUnsafeSet[types.Reason](), expires: make(map[types.Reason]time.Time)}
		s.records[borrower] = r
	}
	added := r.reasons.Add(reason)
	r.expires[reason] = s.now().Add(s.ttl)

	if added && s.marked != nil {
		s.marked.Inc(1)
	}
	s.updateSizeLocked()
}

// MarkBulk applies Mark to every address in addrs for reason, in order
// one at a time.
func (s *Set) MarkBulk(addrs []common.Address, reason types.Reason) {
	for _, a := range addrs {
		s.Mark(a, reason)
	}
}

// Consume atomically removes and returns one borrower's live reasons, or
// ok=false if the borrower is not dirty. Each (borrower, processing pass)
// pair consumes at most once; a later Mark starts a fresh entry.
func (s *Set) Consume(borrower common.Address) (reasons []types.Reason, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()
	r, present := s.records[borrower]
	if !present {
		return nil, false
	}
	delete(s.records, borrower)
	s.updateSizeLocked()
	return r.reasons.ToSlice(), true
}

// IsDirty reports whether borrower currently holds any unexpired reason.
func (s *Set) IsDirty(borrower common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	_, ok := s.records[borrower]
	return ok
}

// Intersect returns the subset of addrs currently dirty, in input order,
// for page-join scans against externally sourced address lists.
func (s *Set) Intersect(addrs []common.Address) []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := s.records[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// expireLocked drops reasons (and the whole record, once empty) whose TTL
// has passed. Must be called with mu held.
func (s *Set) expireLocked() {
	now := s.now()
	for addr, r := range s.records {
		for reason, exp := range r.expires {
			if !now.Before(exp) {
				r.reasons.Remove(reason)
				delete(r.expires, reason)
			}
		}
		if r.reasons.Cardinality() == 0 {
			delete(s.records, addr)
		}
	}
}

// Drain removes and returns every still-live entry, grouped by borrower,
// for the Orchestrator's current wave. Expired entries are silently
// dropped rather than returned.
func (s *Set) Drain() map[common.Address][]types.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()

	out := make(map[common.Address][]types.Reason, len(s.records))
	for addr, r := range s.records {
		reasons := r.reasons.ToSlice()
		if len(reasons) > 0 {
			out[addr] = reasons
		}
	}
	s.records = make(map[common.Address]*record)

	if s.drained != nil {
		s.drained.Inc(int64(len(out)))
	}
	s.updateSizeLocked()
	return out
}

// Len reports the number of distinct borrowers currently flagged, after
// expiring stale entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.records)
}

func (s *Set) updateSizeLocked() {
	if s.size != nil {
		s.size.Update(int64(len(s.records)))
	}
}
