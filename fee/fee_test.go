package fee

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func gwei(n int64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(uint64(n)), uint256.NewInt(1_000_000_000))
}

func TestInitialFeeFormula(t *testing.T) {
	// maxFee = baseFee*2 + tip, tip = tipGweiFast.
	p := New(Config{TipGweiFast: 2, BumpFactor: 1.25, MaxAttempts: 3})
	q := p.Initial(gwei(10))
	require.Equal(t, gwei(22), q.MaxFeeWei)
	require.Equal(t, gwei(2), q.TipWei)
	require.False(t, q.NoOp)
}

func TestInitialFeeClampedToMaxFeeGwei(t *testing.T) {
	p := New(Config{TipGweiFast: 2, MaxFeeGwei: 15, BumpFactor: 1.25, MaxAttempts: 3})
	q := p.Initial(gwei(10))
	require.Equal(t, gwei(15), q.MaxFeeWei)
}

func TestBumpIncreasesTipByFactorPowerK(t *testing.T) {
	p := New(Config{TipGweiFast: 8, BumpFactor: 1.25, MaxAttempts: 3})
	q0 := p.Initial(gwei(10))
	q1 := p.Bump(q0, 1, gwei(10))
	require.False(t, q1.NoOp)
	require.True(t, q1.MaxFeeWei.Cmp(q0.MaxFeeWei) > 0, "bumped fee must exceed the previous quote")
	require.True(t, q1.TipWei.Cmp(q0.TipWei) > 0)
}

func TestBumpNoOpWhenClampedOutOfHeadroom(t *testing.T) {
	// A tight cap leaves the initial quote already at its ceiling; every
	// subsequent bump must be a no-op.
	p := New(Config{TipGweiFast: 2, MaxFeeGwei: 22, BumpFactor: 1.25, MaxAttempts: 3})
	q0 := p.Initial(gwei(10))
	require.Equal(t, gwei(22), q0.MaxFeeWei)

	q1 := p.Bump(q0, 1, gwei(10))
	require.True(t, q1.NoOp)
	require.Equal(t, q0.MaxFeeWei, q1.MaxFeeWei)

	q2 := p.Bump(q1, 2, gwei(10))
	require.True(t, q2.NoOp, "once a bump is a no-op, future bumps must stay no-ops")
}

func TestBumpRespondsToNewBaseFee(t *testing.T) {
	p := New(Config{TipGweiFast: 2, BumpFactor: 1.25, MaxAttempts: 3})
	q0 := p.Initial(gwei(10))
	q1 := p.Bump(q0, 1, gwei(20))
	require.True(t, q1.MaxFeeWei.Cmp(q0.MaxFeeWei) > 0)
}

func TestDefaultConfigFillsZeroFields(t *testing.T) {
	p := New(Config{TipGweiFast: 8})
	q0 := p.Initial(gwei(10))
	q1 := p.Bump(q0, 1, gwei(10))
	require.False(t, q1.NoOp)
}
