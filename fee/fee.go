// Package fee implements the Fee & Replacement Policy: the initial
// fee schedule for a liquidation transaction and the bumped schedule for
// each replace-by-fee attempt. Plain arithmetic over uint256, no RPC
// calls of its own; the caller supplies the latest observed base fee.
package fee

import (
	"github.com/holiman/uint256"
)

// Config controls the fee schedule.
type Config struct {
	TipGweiFast int64
	MaxFeeGwei  int64 // 0 means uncapped
	BumpFactor  float64
	MaxAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TipGweiFast: 2, BumpFactor: 1.25, MaxAttempts: 3}
}

var gweiScale = uint256.NewInt(1_000_000_000)

// Quote is one computed (maxFee, tip) pair, plus whether this attempt was
// a clamped no-op (fee unchanged because the cap left no headroom).
type Quote struct {
	MaxFeeWei *uint256.Int
	TipWei    *uint256.Int
	NoOp      bool
}

// Policy computes initial and bumped fee quotes against observed base
// fees. It is stateless; the caller retains the previous Quote across
// attempts and passes it back in.
type Policy struct {
	cfg Config
}

// New builds a Policy from cfg, filling in defaults for zero fields.
func New(cfg Config) *Policy {
	if cfg.BumpFactor <= 1 {
		cfg.BumpFactor = 1.25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Policy{cfg: cfg}
}

// Initial computes the first quote: maxFee = baseFee*2 + tip, tip =
// tipGweiFast, both clamped to maxFeeGwei if configured.
func (p *Policy) Initial(baseFeeWei *uint256.Int) Quote {
	tip := new(uint256.Int).Mul(uint256.NewInt(uint64(p.cfg.TipGweiFast)), gweiScale)
	maxFee := new(uint256.Int).Mul(baseFeeWei, uint256.NewInt(2))
	maxFee.Add(maxFee, tip)
	return p.clamp(maxFee, tip, false)
}

// Bump computes the quote for RBF attempt k (1-indexed) given the
// previous quote and the latest observed base fee. tip is multiplied by
// bumpFactor^k; maxFee is recomputed against baseFeeWei and clamped. If
// the cap leaves no headroom above the previous quote, the previous quote
// is returned unchanged with NoOp set, and every subsequent bump is a
// no-op too (the caller should stop attempting RBF once NoOp is seen).
func (p *Policy) Bump(prev Quote, k int, baseFeeWei *uint256.Int) Quote {
	if prev.NoOp {
		return prev
	}
	mult := pow(p.cfg.BumpFactor, k)
	tip := mulFloat(new(uint256.Int).Mul(uint256.NewInt(uint64(p.cfg.TipGweiFast)), gweiScale), mult)

	maxFee := new(uint256.Int).Mul(baseFeeWei, uint256.NewInt(2))
	maxFee.Add(maxFee, tip)

	q := p.clamp(maxFee, tip, false)
	if q.MaxFeeWei.Cmp(prev.MaxFeeWei) <= 0 {
		prev.NoOp = true
		return prev
	}
	return q
}

func (p *Policy) clamp(maxFee, tip *uint256.Int, noop bool) Quote {
	if p.cfg.MaxFeeGwei > 0 {
		cap := new(uint256.Int).Mul(uint256.NewInt(uint64(p.cfg.MaxFeeGwei)), gweiScale)
		if maxFee.Cmp(cap) > 0 {
			maxFee = cap
			if tip.Cmp(cap) > 0 {
				tip = cap
			}
		}
	}
	return Quote{MaxFeeWei: maxFee, TipWei: tip, NoOp: noop}
}

// pow computes base^exp for small non-negative integer exponents without
// pulling in math.Pow's float64 edge cases for this narrow use.
func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

func mulFloat(v *uint256.Int, f float64) *uint256.Int {
	// f is always >= 1 here (bumpFactor^k), scale by 1e6 for integer math
	// to avoid uint256<->float64 precision games beyond what's needed.
	const scale = 1_000_000
	scaled := uint64(f * scale)
	out := new(uint256.Int).Mul(v, uint256.NewInt(scaled))
	return out.Div(out, uint256.NewInt(scale))
}
