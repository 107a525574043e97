package queue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"

	"github.com/fenwick-labs/liquidator/types"
)

// TiersConfig controls both admission tiers.
type TiersConfig struct {
	// HHot is the HF, scaled 1e18, at or below which a verified HF alone
	// admits to HotCritical (default 1.0012e18).
	HHot *uint256.Int
	// HWarm is the HF, scaled 1e18, above HHot and at or below which a
	// verified HF admits to WarmProjected (default 1.03e18).
	HWarm       *uint256.Int
	MaxHot      int
	MaxWarm     int
	MinDebtBase *uint256.Int
}

// DefaultTiersConfig returns production defaults.
func DefaultTiersConfig() TiersConfig {
	return TiersConfig{
		HHot:    scaled(10012, 4), // 1.0012
		HWarm:   scaled(103, 2),   // 1.03
		MaxHot:  1000,
		MaxWarm: 1000,
	}
}

func scaled(numer, fracDigits int64) *uint256.Int {
	// numer / 10^fracDigits, scaled to 1e18.
	v := uint256.NewInt(uint64(numer))
	v.Mul(v, uint256.NewInt(1e18))
	div := uint256.NewInt(1)
	for i := int64(0); i < fracDigits; i++ {
		div.Mul(div, uint256.NewInt(10))
	}
	return v.Div(v, div)
}

// Tiers owns the HotCritical and WarmProjected queues and keeps
// their admission rules disjoint.
type Tiers struct {
	cfg  TiersConfig
	Hot  *Queue
	Warm *Queue
}

// NewTiers builds both queues from cfg.
func NewTiers(cfg TiersConfig, reg metrics.Registry) *Tiers {
	if cfg.MaxHot <= 0 {
		cfg.MaxHot = 1000
	}
	if cfg.MaxWarm <= 0 {
		cfg.MaxWarm = 1000
	}
	return &Tiers{
		cfg:  cfg,
		Hot:  New(Config{Name: "queue/hot", MaxSize: cfg.MaxHot, MinDebtBase: cfg.MinDebtBase}, reg),
		Warm: New(Config{Name: "queue/warm", MaxSize: cfg.MaxWarm, MinDebtBase: cfg.MinDebtBase}, reg),
	}
}

// Candidate is a verified (or projected) result ready for admission.
type Candidate struct {
	Borrower            common.Address
	HF                  *uint256.Int
	Block               uint64
	TotalDebtBase       *uint256.Int
	ProjectedHF         *uint256.Int
	BlocksUntilCritical int64 // -1 if not applicable
}

// Admit applies the disjoint tier rules: HotCritical admits on hf<=HHot or
// (projectedHf<1 and blocksUntilCritical<=2); WarmProjected admits on
// HHot<hf<=HWarm. A borrower already present in one tier that no longer
// qualifies for it is removed from that tier. Returns which tier (if any)
// admitted the candidate.
func (t *Tiers) Admit(c Candidate) (hot, warm bool) {
	admitHot := c.HF != nil && c.HF.Cmp(t.cfg.HHot) <= 0
	admitHot = admitHot || (c.ProjectedHF != nil && c.ProjectedHF.Cmp(uint256.NewInt(1e18)) < 0 && c.BlocksUntilCritical >= 0 && c.BlocksUntilCritical <= 2)

	if admitHot {
		reason := types.EntryReasonHF
		if c.HF == nil || c.HF.Cmp(t.cfg.HHot) > 0 {
			reason = types.EntryReasonProjection
		}
		ok := t.Hot.Admit(types.QueueEntry{
			Borrower:            c.Borrower,
			HF:                  c.HF,
			Block:               c.Block,
			TotalDebtBase:       c.TotalDebtBase,
			ProjectedHF:         c.ProjectedHF,
			BlocksUntilCritical: c.BlocksUntilCritical,
			EntryReason:         reason,
		})
		t.Warm.Remove(c.Borrower)
		return ok, false
	}

	admitWarm := c.HF != nil && c.HF.Cmp(t.cfg.HHot) > 0 && c.HF.Cmp(t.cfg.HWarm) <= 0
	if admitWarm {
		ok := t.Warm.Admit(types.QueueEntry{
			Borrower:      c.Borrower,
			HF:            c.HF,
			Block:         c.Block,
			TotalDebtBase: c.TotalDebtBase,
			EntryReason:   types.EntryReasonHF,
		})
		t.Hot.Remove(c.Borrower)
		return false, ok
	}

	// Outside both bands: drop from either tier it may have been in.
	t.Hot.Remove(c.Borrower)
	t.Warm.Remove(c.Borrower)
	return false, false
}

// Pop drains HotCritical fully before consulting WarmProjected.
func (t *Tiers) Pop() (types.QueueEntry, bool) {
	if e, ok := t.Hot.Pop(); ok {
		return e, true
	}
	return t.Warm.Pop()
}

// Remove drops addr from both tiers, e.g. after an execution attempt sets
// a cooldown or the Candidate Store evicts the borrower.
func (t *Tiers) Remove(addr common.Address) {
	t.Hot.Remove(addr)
	t.Warm.Remove(addr)
}
