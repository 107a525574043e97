// Package signal implements the Signal Gate: debouncing and
// cross-source sanity checks for oracle price signals before they are
// allowed to trigger downstream dirty-marking.
package signal

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
)

// Source identifies one upstream price oracle.
type Source uint8

const (
	SourceUnknown Source = iota
	SourcePyth
	SourceChainlink
	SourceTWAP
)

func (s Source) String() string {
	switch s {
	case SourcePyth:
		return "pyth"
	case SourceChainlink:
		return "chainlink"
	case SourceTWAP:
		return "twap"
	default:
		return "unknown"
	}
}

// PriceSignal is one observed price update from an upstream oracle.
type PriceSignal struct {
	Source Source
	Symbol string
	Asset  common.Address
	Price  *uint256.Int
	Ts     time.Time
	Delta  *uint256.Int // optional, precomputed percent-delta hint, scaled 1e18
}

// Config controls per-asset debounce and cross-source thresholds
// for each upstream source.
type Config struct {
	DebounceWindow    time.Duration // default 5s, overridable per symbol
	PerSymbolDebounce map[string]time.Duration
	PythDeltaPct      *uint256.Int // scaled 1e18
	TwapDeltaPct      *uint256.Int // scaled 1e18
	ChainlinkDeltaPct *uint256.Int // scaled 1e18, 0 means no threshold
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{DebounceWindow: 5 * time.Second}
}

type symbolState struct {
	lastTs    map[Source]time.Time
	lastPrice map[Source]*uint256.Int
}

// Gate decides whether a price signal is accepted, stateless across
// restarts except for the last-seen-per-symbol price and last-signal-time
// map.
type Gate struct {
	mu    sync.Mutex
	cfg   Config
	state map[string]*symbolState

	accepted metrics.Counter
	rejected metrics.Counter
}

// New builds a Gate.
func New(cfg Config, reg metrics.Registry) *Gate {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 5 * time.Second
	}
	g := &Gate{cfg: cfg, state: make(map[string]*symbolState)}
	if reg != nil {
		g.accepted = metrics.GetOrRegisterCounter("signalgate/accepted_total", reg)
		g.rejected = metrics.GetOrRegisterCounter("signalgate/rejected_total", reg)
	}
	return g
}

// Decide evaluates one signal and returns whether it should trigger
// downstream work. A dropped signal is silent, never an error for the
// caller to handle.
func (g *Gate) Decide(sig PriceSignal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.state[sig.Symbol]
	if !ok {
		st = &symbolState{lastTs: make(map[Source]time.Time), lastPrice: make(map[Source]*uint256.Int)}
		g.state[sig.Symbol] = st
	}

	window := g.cfg.DebounceWindow
	if w, ok := g.cfg.PerSymbolDebounce[sig.Symbol]; ok && w > 0 {
		window = w
	}
	if last, ok := st.lastTs[sig.Source]; ok && sig.Ts.Sub(last) < window {
		g.reject()
		return false
	}

	accept := true
	switch sig.Source {
	case SourcePyth:
		accept = g.decidePyth(st, sig)
	case SourceChainlink:
		accept = g.decideChainlink(st, sig)
	default:
		accept = true
	}

	st.lastTs[sig.Source] = sig.Ts
	st.lastPrice[sig.Source] = sig.Price

	if accept {
		g.accept()
	} else {
		g.reject()
	}
	return accept
}

func (g *Gate) decidePyth(st *symbolState, sig PriceSignal) bool {
	if g.cfg.PythDeltaPct != nil {
		last, ok := st.lastPrice[SourcePyth]
		if ok {
			delta := pctDelta(sig.Price, last)
			if delta.Cmp(g.cfg.PythDeltaPct) < 0 {
				return false
			}
		}
	}
	if g.cfg.TwapDeltaPct != nil {
		twap, ok := st.lastPrice[SourceTWAP]
		twapTs, freshOK := st.lastTs[SourceTWAP]
		if ok && freshOK && sig.Ts.Sub(twapTs) < 5*time.Minute {
			delta := pctDelta(sig.Price, twap)
			if delta.Cmp(g.cfg.TwapDeltaPct) > 0 {
				return false // fail-closed: DEX manipulation sanity check
			}
		}
	}
	return true
}

func (g *Gate) decideChainlink(st *symbolState, sig PriceSignal) bool {
	if g.cfg.ChainlinkDeltaPct == nil || g.cfg.ChainlinkDeltaPct.Sign() == 0 {
		return true
	}
	last, ok := st.lastPrice[SourceChainlink]
	if !ok {
		return true
	}
	delta := pctDelta(sig.Price, last)
	return delta.Cmp(g.cfg.ChainlinkDeltaPct) >= 0
}

func (g *Gate) accept() {
	if g.accepted != nil {
		g.accepted.Inc(1)
	}
}

func (g *Gate) reject() {
	if g.rejected != nil {
		g.rejected.Inc(1)
	}
}

// pctDelta returns |a-b|/b scaled 1e18.
func pctDelta(a, b *uint256.Int) *uint256.Int {
	if b == nil || b.Sign() == 0 {
		return new(uint256.Int)
	}
	diff := new(uint256.Int)
	if a.Cmp(b) >= 0 {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	diff.Mul(diff, uint256.NewInt(1e18))
	return diff.Div(diff, b)
}
