// Package candidate implements the Candidate Store: a bounded working set
// of borrowers the pipeline is actively tracking, each with its last
// known health factor and a capped, insertion-ordered set of reserves.
// Its eviction policy favors keeping borrowers closest to liquidation,
// unlike a plain LRU cache, so it is a custom map-backed structure rather
// than a generic cache.
package candidate

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"

	"github.com/fenwick-labs/liquidator/types"
)

// maxReserves bounds the reserve set per borrower (K in the design).
const maxReserves = 5

// Store is the bounded Candidate Store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	byAddr    map[common.Address]*types.Borrower
	byReserve map[common.Address]map[common.Address]struct{} // inverted exposure index
	pinned    map[common.Address]int
	capacity  int

	evictions metrics.Counter
	size      metrics.Gauge
}

// New builds a Store bounded to capacity borrowers.
func New(capacity int, reg metrics.Registry) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Store{
		byAddr:    make(map[common.Address]*types.Borrower, capacity),
		byReserve: make(map[common.Address]map[common.Address]struct{}),
		pinned:    make(map[common.Address]int),
		capacity:  capacity,
	}
	if reg != nil {
		s.evictions = metrics.GetOrRegisterCounter("candidate/evictions", reg)
		s.size = metrics.GetOrRegisterGauge("candidate/size", reg)
	}
	return s
}

// Get returns the tracked borrower, if present.
func (s *Store) Get(addr common.Address) (*types.Borrower, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byAddr[addr]
	return b, ok
}

// Upsert inserts or updates a borrower's verified health factor, evicting
// the least urgent tracked borrower if the store is at capacity and this
// is a new entry. "Least urgent" is the highest HF among tracked
// borrowers (furthest from liquidation), since a borrower close to
// breaching HF=1 is the one the pipeline can least afford to drop.
//
// It also maintains FirstSeenLiquidatableBlock: set on the
// first block hf<1 is observed, cleared the moment hf>=1 again. It is
// never decreased without clearing first.
func (s *Store) Upsert(addr common.Address, hf *uint256.Int, block uint64, verifiedAt time.Time) {
	s.UpsertFull(addr, hf, nil, nil, block, verifiedAt)
}

// UpsertFull is Upsert plus the base-currency collateral/debt totals
// carried alongside a verified HF.
func (s *Store) UpsertFull(addr common.Address, hf, collateralBase, debtBase *uint256.Int, block uint64, verifiedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	one := uint256.NewInt(1e18)
	critical := hf != nil && hf.Cmp(one) < 0

	if b, ok := s.byAddr[addr]; ok {
		b.LastHF = hf
		b.LastHFBlock = block
		b.LastVerified = verifiedAt
		if collateralBase != nil {
			b.TotalCollateralBase = collateralBase
		}
		if debtBase != nil {
			b.TotalDebtBase = debtBase
		}
		if critical && b.FirstSeenLiquidatableBlock == 0 {
			b.FirstSeenLiquidatableBlock = block
		} else if !critical {
			b.FirstSeenLiquidatableBlock = 0
		}
		return
	}

	if len(s.byAddr) >= s.capacity {
		s.evictLeastUrgentLocked()
	}

	b := &types.Borrower{
		Address:             addr,
		LastHF:              hf,
		LastHFBlock:         block,
		LastVerified:        verifiedAt,
		TotalCollateralBase: collateralBase,
		TotalDebtBase:       debtBase,
	}
	if critical {
		b.FirstSeenLiquidatableBlock = block
	}
	s.byAddr[addr] = b
	s.updateSizeLocked()
}

// SetCooldown sets a borrower's CooldownUntil, which must monotonically
// increase per execution attempt. A no-op if addr is not
// tracked or the new deadline does not move it forward.
func (s *Store) SetCooldown(addr common.Address, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byAddr[addr]
	if !ok || until.Before(b.CooldownUntil) {
		return
	}
	b.CooldownUntil = until
}

// SetPriority records the priority a borrower was last admitted to a
// queue with.
func (s *Store) SetPriority(addr common.Address, priority int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byAddr[addr]; ok {
		b.Priority = priority
	}
}

// ClearFirstSeen clears FirstSeenLiquidatableBlock, called by the Miss
// Classifier after emitting a classification for addr, so the next
// liquidatable episode gets a fresh first-seen block.
func (s *Store) ClearFirstSeen(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byAddr[addr]; ok {
		b.FirstSeenLiquidatableBlock = 0
	}
}

// AddReserve attaches a reserve to a tracked borrower, evicting the
// oldest reserve (insertion order) if the borrower is already at the
// K-reserve cap. It also keeps the reserve->borrowers inverted index in
// sync. The exposure index is lossy: reads
// tolerate false negatives but not false positives, so an evicted
// (oldest) reserve's index entry is dropped here, in step with the
// borrower's own Reserves slice.
func (s *Store) AddReserve(addr common.Address, reserve types.Reserve) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byAddr[addr]
	if !ok {
		return
	}
	for i, r := range b.Reserves {
		if r.Asset == reserve.Asset {
			b.Reserves[i] = reserve
			return
		}
	}
	if len(b.Reserves) >= maxReserves {
		evicted := b.Reserves[0]
		b.Reserves = b.Reserves[1:]
		s.unindexLocked(addr, evicted.Asset)
	}
	b.Reserves = append(b.Reserves, reserve)
	s.indexLocked(addr, reserve.Asset)
}

// ExposedUsers returns the bounded set of tracked borrowers known to be
// exposed to reserve. False negatives are possible (per-reserve
// cardinality is not bounded here beyond each borrower's own K-cap);
// false positives are not.
func (s *Store) ExposedUsers(reserve common.Address) []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byReserve[reserve]
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

func (s *Store) indexLocked(addr, reserve common.Address) {
	set, ok := s.byReserve[reserve]
	if !ok {
		set = make(map[common.Address]struct{})
		s.byReserve[reserve] = set
	}
	set[addr] = struct{}{}
}

func (s *Store) unindexLocked(addr, reserve common.Address) {
	if set, ok := s.byReserve[reserve]; ok {
		delete(set, addr)
		if len(set) == 0 {
			delete(s.byReserve, reserve)
		}
	}
}

// Remove drops a borrower entirely, e.g. once its debt is fully repaid.
func (s *Store) Remove(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.byAddr[addr]; ok {
		for _, r := range b.Reserves {
			s.unindexLocked(addr, r.Asset)
		}
	}
	delete(s.byAddr, addr)
	s.updateSizeLocked()
}

// Len reports the number of tracked borrowers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddr)
}

// evictLeastUrgentLocked must be called with mu held and the store
// non-empty under capacity pressure. Eviction order: unknown HF first,
// then highest HF (furthest from liquidation), ties broken by smaller
// debt, then oldest verification. Pinned borrowers (an active execution
// state machine holds them) are never evicted.
func (s *Store) evictLeastUrgentLocked() {
	var worst *types.Borrower
	for addr, b := range s.byAddr {
		if s.pinned[addr] > 0 {
			continue
		}
		if worst == nil || lessUrgent(b, worst) {
			worst = b
		}
	}
	if worst == nil {
		return
	}
	for _, r := range worst.Reserves {
		s.unindexLocked(worst.Address, r.Asset)
	}
	delete(s.byAddr, worst.Address)
	if s.evictions != nil {
		s.evictions.Inc(1)
	}
}

// lessUrgent reports whether a is a better eviction candidate than b.
func lessUrgent(a, b *types.Borrower) bool {
	switch {
	case a.LastHF == nil && b.LastHF != nil:
		return true
	case a.LastHF != nil && b.LastHF == nil:
		return false
	case a.LastHF != nil && b.LastHF != nil && a.LastHF.Cmp(b.LastHF) != 0:
		return a.LastHF.Cmp(b.LastHF) > 0
	}
	ad, bd := a.TotalDebtBase, b.TotalDebtBase
	switch {
	case ad == nil && bd != nil:
		return true
	case ad != nil && bd == nil:
		return false
	case ad != nil && bd != nil && ad.Cmp(bd) != 0:
		return ad.Cmp(bd) < 0
	}
	return a.LastVerified.Before(b.LastVerified)
}

// Pin marks a borrower as held by an active execution state machine,
// excluding it from capacity eviction until the matching Unpin. Pins
// nest.
func (s *Store) Pin(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[addr]++
}

// Unpin releases one Pin.
func (s *Store) Unpin(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[addr] <= 1 {
		delete(s.pinned, addr)
		return
	}
	s.pinned[addr]--
}

func (s *Store) updateSizeLocked() {
	if s.size != nil {
		s.size.Update(int64(len(s.byAddr)))
	}
}

// Snapshot returns tracked borrowers sorted by ascending health factor
// (most urgent first), used by the Orchestrator's first-seen pruning and
// diagnostics.
func (s *Store) Snapshot() []*types.Borrower {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Borrower, 0, len(s.byAddr))
	for _, b := range s.byAddr {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastHF == nil || out[j].LastHF == nil {
			return out[j].LastHF == nil && out[i].LastHF != nil
		}
		return out[i].LastHF.Cmp(out[j].LastHF) < 0
	})
	return out
}
