package signal

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func pct(n int64) *uint256.Int {
	v := uint256.NewInt(uint64(n))
	v.Mul(v, uint256.NewInt(1e18))
	return v.Div(v, uint256.NewInt(100))
}

func TestDebounceRejectsWithinWindow(t *testing.T) {
	// Two Pyth signals 200ms apart with the default 5s debounce window
	// -> second is dropped.
	g := New(DefaultConfig(), nil)
	t0 := time.Now()
	sig1 := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2000e8), Ts: t0}
	sig2 := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2001e8), Ts: t0.Add(200 * time.Millisecond)}

	require.True(t, g.Decide(sig1))
	require.False(t, g.Decide(sig2))
}

func TestDebounceAllowsAfterWindow(t *testing.T) {
	g := New(DefaultConfig(), nil)
	t0 := time.Now()
	sig1 := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2000e8), Ts: t0}
	sig2 := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2100e8), Ts: t0.Add(6 * time.Second)}

	require.True(t, g.Decide(sig1))
	require.True(t, g.Decide(sig2))
}

func TestPythRequiresMinimumDelta(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PythDeltaPct = pct(1) // 1%
	g := New(cfg, nil)
	t0 := time.Now()
	require.True(t, g.Decide(PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2000e8), Ts: t0}))

	// 0.1% move, below threshold -> rejected even after debounce window.
	small := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2002e8), Ts: t0.Add(6 * time.Second)}
	require.False(t, g.Decide(small))

	// a later signal with a large enough move is accepted.
	big := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2100e8), Ts: t0.Add(12 * time.Second)}
	require.True(t, g.Decide(big))
}

func TestPythFailsClosedOnTwapDivergence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TwapDeltaPct = pct(2) // 2% sanity band vs TWAP
	g := New(cfg, nil)
	t0 := time.Now()

	require.True(t, g.Decide(PriceSignal{Source: SourceTWAP, Symbol: "WETH", Price: uint256.NewInt(2000e8), Ts: t0}))

	// Pyth price 10% above fresh TWAP -> rejected (DEX manipulation guard).
	manipulated := PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2200e8), Ts: t0.Add(time.Second)}
	require.False(t, g.Decide(manipulated))
}

func TestChainlinkThresholdGating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChainlinkDeltaPct = pct(1)
	g := New(cfg, nil)
	t0 := time.Now()

	require.True(t, g.Decide(PriceSignal{Source: SourceChainlink, Symbol: "USDC", Price: uint256.NewInt(1e8), Ts: t0}))

	small := PriceSignal{Source: SourceChainlink, Symbol: "USDC", Price: uint256.NewInt(10005e4), Ts: t0.Add(6 * time.Second)}
	require.False(t, g.Decide(small))
}

func TestPerSymbolDebounceOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerSymbolDebounce = map[string]time.Duration{"WETH": time.Second}
	g := New(cfg, nil)
	t0 := time.Now()

	require.True(t, g.Decide(PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(1), Ts: t0}))
	// shorter per-symbol window means 1.5s later is already accepted even
	// though the global default window (5s) would still be debouncing.
	require.True(t, g.Decide(PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(2), Ts: t0.Add(1500 * time.Millisecond)}))
}

func TestDistinctSourcesDebouncedIndependently(t *testing.T) {
	g := New(DefaultConfig(), nil)
	t0 := time.Now()
	require.True(t, g.Decide(PriceSignal{Source: SourcePyth, Symbol: "WETH", Price: uint256.NewInt(1), Ts: t0, Asset: common.HexToAddress("0x1")}))
	require.True(t, g.Decide(PriceSignal{Source: SourceChainlink, Symbol: "WETH", Price: uint256.NewInt(1), Ts: t0}))
}
