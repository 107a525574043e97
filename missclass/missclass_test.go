package missclass

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/liquidator/types"
)

type fakeStore struct {
	borrowers map[common.Address]*types.Borrower
	cleared   []common.Address
}

func newFakeStore() *fakeStore {
	return &fakeStore{borrowers: make(map[common.Address]*types.Borrower)}
}

func (s *fakeStore) Get(addr common.Address) (*types.Borrower, bool) {
	b, ok := s.borrowers[addr]
	return b, ok
}

func (s *fakeStore) ClearFirstSeen(addr common.Address) {
	s.cleared = append(s.cleared, addr)
	if b, ok := s.borrowers[addr]; ok {
		b.FirstSeenLiquidatableBlock = 0
	}
}

type fakeLog struct {
	decision types.ExecutionDecision
	found    bool
}

func (l *fakeLog) MostRecent(addr common.Address, asOf time.Time, ttl time.Duration) (types.ExecutionDecision, bool) {
	return l.decision, l.found
}

// TestClassifyOursShortCircuits: a competitor matching OurSigner is always
// ClassOurs, without consulting the store or decision log at all.
func TestClassifyOursShortCircuits(t *testing.T) {
	ourSigner := common.HexToAddress("0xAAA")
	store := newFakeStore()
	log := &fakeLog{}
	c := New(Config{OurSigner: ourSigner}, store, log, nil)

	borrower := common.HexToAddress("0x1")
	rec := c.Classify(borrower, ourSigner, 100, time.Now())
	require.Equal(t, ClassOurs, rec.Class)
	require.Empty(t, store.cleared, "ClassOurs must short-circuit before the ClearFirstSeen side effect")
}

// TestClassifyNotInWatchSet: a borrower never tracked by the Candidate
// Store classifies as not_in_watch_set.
func TestClassifyNotInWatchSet(t *testing.T) {
	store := newFakeStore()
	log := &fakeLog{}
	c := New(DefaultConfig(), store, log, nil)

	borrower := common.HexToAddress("0x2")
	competitor := common.HexToAddress("0xBBB")
	rec := c.Classify(borrower, competitor, 100, time.Now())
	require.Equal(t, ClassNotInWatchSet, rec.Class)
}

// TestClassifyRacedWhenNoDecisionFound: a tracked borrower with no recent
// decision, beyond the transient-blocks window since first seen, is
// classified as raced.
func TestClassifyRacedWhenNoDecisionFound(t *testing.T) {
	borrower := common.HexToAddress("0x3")
	store := newFakeStore()
	store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 90}
	log := &fakeLog{found: false}
	cfg := DefaultConfig()
	cfg.TransientBlocks = 3
	c := New(cfg, store, log, nil)

	competitor := common.HexToAddress("0xCCC")
	rec := c.Classify(borrower, competitor, 100, time.Now())
	require.Equal(t, ClassRaced, rec.Class)
	require.Equal(t, uint64(10), rec.BlocksSinceFirstSeen)
}

// TestClassifyHFTransientWhenWithinTransientWindow: same as above but the
// event is within TransientBlocks of first-seen, so it's hf_transient
// instead of raced.
func TestClassifyHFTransientWhenWithinTransientWindow(t *testing.T) {
	borrower := common.HexToAddress("0x4")
	store := newFakeStore()
	store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 99}
	log := &fakeLog{found: false}
	cfg := DefaultConfig()
	cfg.TransientBlocks = 3
	c := New(cfg, store, log, nil)

	competitor := common.HexToAddress("0xCCC")
	rec := c.Classify(borrower, competitor, 100, time.Now())
	require.Equal(t, ClassHFTransient, rec.Class)
}

// TestClassifyAttemptIsRaced: our own recorded attempt with no gas-outbid
// overlay triggered classifies the competitor's liquidation as raced.
func TestClassifyAttemptIsRaced(t *testing.T) {
	borrower := common.HexToAddress("0x5")
	store := newFakeStore()
	store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 100}
	log := &fakeLog{found: true, decision: types.ExecutionDecision{
		Borrower: borrower, Kind: types.DecisionAttempt, GasPriceGwei: 80,
	}}
	cfg := DefaultConfig() // GasOutbidThreshold 0 disables the overlay
	c := New(cfg, store, log, nil)

	competitor := common.HexToAddress("0xDDD")
	rec := c.Classify(borrower, competitor, 101, time.Now())
	require.Equal(t, ClassRaced, rec.Class)
}

// TestClassifyGasOutbidOverlay: an attempt recorded with a
// gas price below the configured outbid threshold reclassifies what would
// otherwise be "raced" as gas_outbid.
func TestClassifyGasOutbidOverlay(t *testing.T) {
	borrower := common.HexToAddress("0x6")
	store := newFakeStore()
	store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 100}
	log := &fakeLog{found: true, decision: types.ExecutionDecision{
		Borrower: borrower, Kind: types.DecisionAttempt, GasPriceGwei: 30,
	}}
	cfg := Config{GasOutbidThreshold: 50}
	c := New(cfg, store, log, nil)

	competitor := common.HexToAddress("0xEEE")
	rec := c.Classify(borrower, competitor, 101, time.Now())
	require.Equal(t, ClassGasOutbid, rec.Class)
	require.Equal(t, uint64(1), rec.BlocksSinceFirstSeen)
}

// TestClassifySkipReasonsMapDirectly checks the Skip-kind decision branches
// that don't go through the gas-outbid overlay.
func TestClassifySkipReasonsMapDirectly(t *testing.T) {
	cases := []struct {
		reason types.SkipReason
		want   Class
	}{
		{types.SkipReasonProfit, ClassInsufficientProfit},
		{types.SkipReasonGasOutbid, ClassGasOutbid},
		{types.SkipReasonHFRecovery, ClassExecutionFiltered},
		{types.SkipReasonStalePrice, ClassExecutionFiltered},
		{types.SkipReasonExecutionFiltered, ClassExecutionFiltered},
	}
	for _, tc := range cases {
		borrower := common.HexToAddress("0x7")
		store := newFakeStore()
		store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 100}
		log := &fakeLog{found: true, decision: types.ExecutionDecision{
			Borrower: borrower, Kind: types.DecisionSkip, Reason: tc.reason,
		}}
		c := New(DefaultConfig(), store, log, nil)
		rec := c.Classify(borrower, common.HexToAddress("0xFFF"), 101, time.Now())
		require.Equal(t, tc.want, rec.Class, "reason %s", tc.reason)
	}
}

// TestClassifyRevertMapsDirectly: a recorded on-chain revert by us maps to
// ClassRevert, never touched by the gas-outbid overlay.
func TestClassifyRevertMapsDirectly(t *testing.T) {
	borrower := common.HexToAddress("0x8")
	store := newFakeStore()
	store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 100}
	log := &fakeLog{found: true, decision: types.ExecutionDecision{
		Borrower: borrower, Kind: types.DecisionRevert, GasPriceGwei: 10,
	}}
	cfg := Config{GasOutbidThreshold: 50}
	c := New(cfg, store, log, nil)
	rec := c.Classify(borrower, common.HexToAddress("0xFFF"), 101, time.Now())
	require.Equal(t, ClassRevert, rec.Class)
}

// TestClassifyClearsFirstSeenAsSideEffect: every classification path other
// than ClassOurs clears the borrower's FirstSeenLiquidatableBlock, since
// the race is now resolved one way or another.
func TestClassifyClearsFirstSeenAsSideEffect(t *testing.T) {
	borrower := common.HexToAddress("0x9")
	store := newFakeStore()
	store.borrowers[borrower] = &types.Borrower{Address: borrower, FirstSeenLiquidatableBlock: 100}
	log := &fakeLog{found: false}
	c := New(DefaultConfig(), store, log, nil)

	c.Classify(borrower, common.HexToAddress("0xFFF"), 200, time.Now())
	require.Equal(t, uint64(0), store.borrowers[borrower].FirstSeenLiquidatableBlock)
	require.Contains(t, store.cleared, borrower)
}
