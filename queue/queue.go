// Package queue implements the two priority queues of the candidate
// pipeline: HotCritical and WarmProjected. Both are backed by
// [github.com/ethereum/go-ethereum/common/prque], the same generic
// priority heap go-ethereum's legacy transaction pool uses for its spam-eviction
// heap, here generalized from "evict cheapest tx" to "pop most urgent
// borrower, evict least urgent borrower".
//
// A single prque only exposes its extremum (Peek/Pop), but the eviction
// rule needs the *other* extremum too (the least urgent entry, evicted to
// make room for a more urgent one). Each Queue therefore keeps two heaps
// over the same entries — one ordered for draining, one ordered for
// eviction — mirroring the legacy transaction pool's dual "all" and
// "priced" heaps.
package queue

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"

	"github.com/fenwick-labs/liquidator/types"
)

// Priority packs the lexicographic tuple (floor(hf*1e4), -debtBase,
// insertionCounter) into a single comparable int64: the
// top 24 bits hold floor(hf*1e4) clamped to a sane range (enough headroom
// for HF up to ~1677, far beyond any borrower worth tracking), the next 9
// bits hold an inverted debt-magnitude rank (a uint256's bit length never
// exceeds 256, so 9 bits is exact, not just "usually enough"), and the
// low 30 bits hold a monotonically increasing insertion counter so ties
// break first-queued-first.
func Priority(hf *uint256.Int, debtBase *uint256.Int, insertionCounter uint32) int64 {
	hfBucket := hfBucket(hf)
	debtRank := debtRank9(debtBase)
	return (hfBucket << 39) | (int64(debtRank) << 30) | int64(insertionCounter&((1<<30)-1))
}

func hfBucket(hf *uint256.Int) int64 {
	const max = (1 << 24) - 1
	if hf == nil {
		return max // treat unknown HF as least urgent within the bucket range
	}
	// floor(hf * 1e4), hf scaled 1e18 on input.
	scaled := new(uint256.Int).Div(hf, uint256.NewInt(1e14))
	if scaled.BitLen() > 24 {
		return max
	}
	return int64(scaled.Uint64())
}

func debtRank9(debt *uint256.Int) int64 {
	const max = (1 << 9) - 1 // a uint256's BitLen is always in [0, 256]
	if debt == nil {
		return max
	}
	// Invert bit length so larger debt gets a smaller rank (sorts first
	// within equal hfBucket).
	return int64(max - debt.BitLen())
}

// Entry is a queued candidate plus the two heap positions used for O(log n)
// removal from either heap.
type Entry struct {
	types.QueueEntry
	drainIdx int
	evictIdx int
}

// Config controls one queue's admission thresholds.
type Config struct {
	Name        string
	MaxSize     int
	MinDebtBase *uint256.Int
}

// Queue is one admission tier (HotCritical or WarmProjected).
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	byAddr  map[common.Address]*Entry
	drain   *prque.Prque[int64, common.Address] // pops lowest Priority first (most urgent)
	evict   *prque.Prque[int64, common.Address] // pops highest Priority first (least urgent)
	counter uint32

	admitted metrics.Counter
	evicted  metrics.Counter
	size     metrics.Gauge
}

// New builds an empty Queue.
func New(cfg Config, reg metrics.Registry) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	q := &Queue{
		cfg:    cfg,
		byAddr: make(map[common.Address]*Entry, cfg.MaxSize),
	}
	q.drain = prque.New[int64, common.Address](func(addr common.Address, idx int) {
		if e, ok := q.byAddr[addr]; ok {
			e.drainIdx = idx
		}
	})
	q.evict = prque.New[int64, common.Address](func(addr common.Address, idx int) {
		if e, ok := q.byAddr[addr]; ok {
			e.evictIdx = idx
		}
	})
	if reg != nil {
		q.admitted = metrics.GetOrRegisterCounter(cfg.Name+"/admitted", reg)
		q.evicted = metrics.GetOrRegisterCounter(cfg.Name+"/evicted", reg)
		q.size = metrics.GetOrRegisterGauge(cfg.Name+"/size", reg)
	}
	return q
}

// Admit inserts or updates a borrower's queue entry. Returns false without
// modifying the queue if the borrower's debt is below MinDebtBase, or if
// the queue is at capacity and the newcomer would itself be the least
// urgent entry. Otherwise a full queue evicts its current least urgent
// entry to make room for the more urgent newcomer.
func (q *Queue) Admit(entry types.QueueEntry) bool {
	if q.cfg.MinDebtBase != nil && (entry.TotalDebtBase == nil || entry.TotalDebtBase.Cmp(q.cfg.MinDebtBase) < 0) {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	entry.Priority = Priority(entry.HF, entry.TotalDebtBase, q.counter)

	if existing, ok := q.byAddr[entry.Borrower]; ok {
		q.drain.Remove(existing.drainIdx)
		q.evict.Remove(existing.evictIdx)
		delete(q.byAddr, entry.Borrower)
	} else if len(q.byAddr) >= q.cfg.MaxSize {
		// Evict only for a strictly more urgent newcomer; the higher
		// insertion counter already breaks priority ties against it.
		if _, worst := q.evict.Peek(); entry.Priority >= worst {
			return false
		}
		q.evictLocked()
	}

	if entry.EnteredAt.IsZero() {
		entry.EnteredAt = time.Now()
	}
	e := &Entry{QueueEntry: entry}
	q.byAddr[entry.Borrower] = e
	// prque is a max-heap: negate for drain (so the smallest Priority,
	// i.e. most urgent, pops first) and push unnegated for evict (so the
	// largest Priority, i.e. least urgent, pops first).
	q.drain.Push(entry.Borrower, -entry.Priority)
	q.evict.Push(entry.Borrower, entry.Priority)

	if q.admitted != nil {
		q.admitted.Inc(1)
	}
	q.updateSizeLocked()
	return true
}

// evictLocked removes the current least urgent (highest Priority) entry.
// Must be called with mu held and the queue non-empty.
func (q *Queue) evictLocked() {
	if q.evict.Empty() {
		return
	}
	addr, _ := q.evict.Pop()
	if e, ok := q.byAddr[addr]; ok {
		q.drain.Remove(e.drainIdx)
		delete(q.byAddr, addr)
	}
	if q.evicted != nil {
		q.evicted.Inc(1)
	}
}

// Pop removes and returns the most urgent entry, validating it is still
// present (queues hold weak references by address: the
// Candidate Store is the source of truth, the caller must re-check it).
func (q *Queue) Pop() (types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drain.Empty() {
		return types.QueueEntry{}, false
	}
	addr, _ := q.drain.Pop()
	e, ok := q.byAddr[addr]
	if !ok {
		return types.QueueEntry{}, false
	}
	q.evict.Remove(e.evictIdx)
	delete(q.byAddr, addr)
	q.updateSizeLocked()
	return e.QueueEntry, true
}

// Remove drops a borrower from the queue without returning it, e.g. once
// the Candidate Store evicts it or it recovers above the admission band.
func (q *Queue) Remove(addr common.Address) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byAddr[addr]
	if !ok {
		return
	}
	q.drain.Remove(e.drainIdx)
	q.evict.Remove(e.evictIdx)
	delete(q.byAddr, addr)
	q.updateSizeLocked()
}

// Contains reports whether addr currently holds an entry in this queue.
func (q *Queue) Contains(addr common.Address) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byAddr[addr]
	return ok
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byAddr)
}

func (q *Queue) updateSizeLocked() {
	if q.size != nil {
		q.size.Update(int64(len(q.byAddr)))
	}
}
