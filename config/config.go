// Package config builds the frozen, typed configuration record every
// pipeline component receives at construction, loaded once at boot via
// viper (file + env + flags). Downstream components receive the frozen
// record and never a live view of the loader; nothing
// downstream mutates it.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Queues holds the "queues.*" keys.
type Queues struct {
	HHot        float64 // e.g. 1.0012
	HWarm       float64 // e.g. 1.03
	MaxHot      int
	MaxWarm     int
	MinDebtBase uint64
}

// Verifier holds the "verifier.*" keys.
type Verifier struct {
	QBlock      int
	CBlock      int
	IMin        time.Duration
	TCache      time.Duration
	DUser       time.Duration
	BBatch      int
	EpsBand     float64
	MinDebtBase uint64
}

// Exec holds the "exec.*" keys.
type Exec struct {
	ProfitMinUSD         float64
	CloseFactorThreshold float64 // default 0.95
	EpsOpt               float64 // default 0.0005
	RDay                 int
	CooldownMs           time.Duration
	LWarn                time.Duration
	SPrice               time.Duration
}

// Fee holds the "fee.*" keys.
type Fee struct {
	TipGweiFast int64
	MaxFeeGwei  int64
	BumpFactor  float64
	BRbf        time.Duration
	NRbf        int
}

// Signals holds the "signals.*" keys.
type Signals struct {
	DebouncePerAssetMs int64
	PythDeltaPct       float64
	TwapDeltaPct       float64
}

// Misc holds the "misc.*" keys.
type Misc struct {
	TTLDirty        time.Duration
	KFirst          uint64
	TransientBlocks uint64
	GasOutbidGwei   float64
}

// Config is the complete frozen configuration record.
type Config struct {
	Queues      Queues
	Verifier    Verifier
	Exec        Exec
	Fee         Fee
	Signals     Signals
	Misc        Misc
	OurSigner   common.Address
	WorkerCap   int
	MetricsAddr string // listen address for the Prometheus /metrics endpoint, empty disables it
}

// Default returns every documented default in one record.
func Default() Config {
	return Config{
		Queues:      Queues{HHot: 1.0012, HWarm: 1.03, MaxHot: 1000, MaxWarm: 1000},
		Verifier:    Verifier{QBlock: 200, CBlock: 60, IMin: 150 * time.Millisecond, TCache: 2 * time.Second, DUser: 60 * time.Second, BBatch: 50, EpsBand: 0.03},
		Exec:        Exec{CloseFactorThreshold: 0.95, EpsOpt: 0.0005, RDay: 5, CooldownMs: 60 * time.Second, LWarn: 180 * time.Millisecond, SPrice: 60 * time.Second},
		Fee:         Fee{TipGweiFast: 2, BumpFactor: 1.25, BRbf: 500 * time.Millisecond, NRbf: 3},
		Signals:     Signals{DebouncePerAssetMs: 5000},
		Misc:        Misc{TTLDirty: 90 * time.Second, KFirst: 1000, TransientBlocks: 3},
		WorkerCap:   4,
		MetricsAddr: "127.0.0.1:6060",
	}
}

// BindFlags registers every configuration key onto fs with its
// default, for the urfave/cli entrypoint to parse.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Float64("queues.h-hot", d.Queues.HHot, "HotCritical admission HF threshold")
	fs.Float64("queues.h-warm", d.Queues.HWarm, "WarmProjected admission HF threshold")
	fs.Int("queues.max-hot", d.Queues.MaxHot, "HotCritical max size")
	fs.Int("queues.max-warm", d.Queues.MaxWarm, "WarmProjected max size")
	fs.Uint64("queues.min-debt-base", d.Queues.MinDebtBase, "minimum debt base currency units for queue admission")

	fs.Int("verifier.q-block", d.Verifier.QBlock, "per-block verifier call budget")
	fs.Int("verifier.c-block", d.Verifier.CBlock, "per-block verifier candidate budget")
	fs.Duration("verifier.i-min", d.Verifier.IMin, "minimum inter-wave spacing")
	fs.Duration("verifier.t-cache", d.Verifier.TCache, "verifier micro-cache TTL")
	fs.Duration("verifier.d-user", d.Verifier.DUser, "per-user re-verify dedup window")
	fs.Int("verifier.b-batch", d.Verifier.BBatch, "multicall batch size")
	fs.Float64("verifier.eps-band", d.Verifier.EpsBand, "near-band HF epsilon")

	fs.Float64("exec.profit-min-usd", d.Exec.ProfitMinUSD, "minimum estimated profit in USD")
	fs.Float64("exec.close-factor-threshold", d.Exec.CloseFactorThreshold, "HF below which 100% debt is covered")
	fs.Float64("exec.eps-opt", d.Exec.EpsOpt, "optimistic dispatch epsilon")
	fs.Int("exec.r-day", d.Exec.RDay, "daily optimistic revert budget")
	fs.Duration("exec.cooldown-ms", d.Exec.CooldownMs, "post-attempt cooldown")
	fs.Duration("exec.l-warn", d.Exec.LWarn, "end-to-end latency warn threshold")
	fs.Duration("exec.s-price", d.Exec.SPrice, "max price staleness")

	fs.Int64("fee.tip-gwei-fast", d.Fee.TipGweiFast, "initial priority fee tip in gwei")
	fs.Int64("fee.max-fee-gwei", d.Fee.MaxFeeGwei, "fee cap in gwei, 0 for uncapped")
	fs.Float64("fee.bump-factor", d.Fee.BumpFactor, "RBF tip multiplier per attempt")
	fs.Duration("fee.b-rbf", d.Fee.BRbf, "time before an RBF watchdog fires")
	fs.Int("fee.n-rbf", d.Fee.NRbf, "max RBF attempts")

	fs.Int64("signals.debounce-per-asset-ms", d.Signals.DebouncePerAssetMs, "per-(symbol,source) debounce window")
	fs.Float64("signals.pyth-delta-pct", d.Signals.PythDeltaPct, "minimum pyth delta to accept")
	fs.Float64("signals.twap-delta-pct", d.Signals.TwapDeltaPct, "max pyth/twap divergence")

	fs.Duration("misc.ttl-dirty", d.Misc.TTLDirty, "dirty set entry TTL")
	fs.Uint64("misc.k-first", d.Misc.KFirst, "blocks before firstSeen pruning")
	fs.Uint64("misc.transient-blocks", d.Misc.TransientBlocks, "hf_transient classification window")
	fs.Float64("misc.gas-outbid-gwei", d.Misc.GasOutbidGwei, "gas outbid reclassification threshold")

	fs.String("our-signer", "", "this process's signer address")
	fs.Int("worker-cap", d.WorkerCap, "fast-path executor worker pool width")
	fs.String("metrics-addr", d.MetricsAddr, "prometheus /metrics listen address, empty to disable")
}

// Load builds a Config from v, which the caller has already populated
// from a config file, environment variables (prefix LIQUIDATOR_), and/or
// flags via viper.BindPFlags.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()

	cfg.Queues.HHot = v.GetFloat64("queues.h-hot")
	cfg.Queues.HWarm = v.GetFloat64("queues.h-warm")
	cfg.Queues.MaxHot = v.GetInt("queues.max-hot")
	cfg.Queues.MaxWarm = v.GetInt("queues.max-warm")
	cfg.Queues.MinDebtBase = v.GetUint64("queues.min-debt-base")

	cfg.Verifier.QBlock = v.GetInt("verifier.q-block")
	cfg.Verifier.CBlock = v.GetInt("verifier.c-block")
	cfg.Verifier.IMin = v.GetDuration("verifier.i-min")
	cfg.Verifier.TCache = v.GetDuration("verifier.t-cache")
	cfg.Verifier.DUser = v.GetDuration("verifier.d-user")
	cfg.Verifier.BBatch = v.GetInt("verifier.b-batch")
	cfg.Verifier.EpsBand = v.GetFloat64("verifier.eps-band")

	cfg.Exec.ProfitMinUSD = v.GetFloat64("exec.profit-min-usd")
	cfg.Exec.CloseFactorThreshold = v.GetFloat64("exec.close-factor-threshold")
	cfg.Exec.EpsOpt = v.GetFloat64("exec.eps-opt")
	cfg.Exec.RDay = v.GetInt("exec.r-day")
	cfg.Exec.CooldownMs = v.GetDuration("exec.cooldown-ms")
	cfg.Exec.LWarn = v.GetDuration("exec.l-warn")
	cfg.Exec.SPrice = v.GetDuration("exec.s-price")

	cfg.Fee.TipGweiFast = v.GetInt64("fee.tip-gwei-fast")
	cfg.Fee.MaxFeeGwei = v.GetInt64("fee.max-fee-gwei")
	cfg.Fee.BumpFactor = v.GetFloat64("fee.bump-factor")
	cfg.Fee.BRbf = v.GetDuration("fee.b-rbf")
	cfg.Fee.NRbf = v.GetInt("fee.n-rbf")

	cfg.Signals.DebouncePerAssetMs = v.GetInt64("signals.debounce-per-asset-ms")
	cfg.Signals.PythDeltaPct = v.GetFloat64("signals.pyth-delta-pct")
	cfg.Signals.TwapDeltaPct = v.GetFloat64("signals.twap-delta-pct")

	cfg.Misc.TTLDirty = v.GetDuration("misc.ttl-dirty")
	cfg.Misc.KFirst = v.GetUint64("misc.k-first")
	cfg.Misc.TransientBlocks = v.GetUint64("misc.transient-blocks")
	cfg.Misc.GasOutbidGwei = v.GetFloat64("misc.gas-outbid-gwei")

	if s := v.GetString("our-signer"); s != "" {
		if !common.IsHexAddress(s) {
			return Config{}, fmt.Errorf("config: our-signer %q is not a valid address", s)
		}
		cfg.OurSigner = common.HexToAddress(s)
	}
	cfg.WorkerCap = v.GetInt("worker-cap")
	cfg.MetricsAddr = v.GetString("metrics-addr")

	return cfg, cfg.Validate()
}

// Validate enforces the range/positivity constraints on the record
// (e.g. H_hot < H_warm, Q_block > 0).
func (c Config) Validate() error {
	var errs []string
	if c.Queues.HHot <= 0 || c.Queues.HWarm <= 0 || c.Queues.HHot >= c.Queues.HWarm {
		errs = append(errs, "queues.h-hot must be positive and less than queues.h-warm")
	}
	if c.Verifier.QBlock <= 0 {
		errs = append(errs, "verifier.q-block must be positive")
	}
	if c.Verifier.CBlock <= 0 {
		errs = append(errs, "verifier.c-block must be positive")
	}
	if c.Exec.RDay < 0 {
		errs = append(errs, "exec.r-day must not be negative")
	}
	if c.WorkerCap <= 0 {
		errs = append(errs, "worker-cap must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ScaledHF converts a float HF threshold (e.g. 1.0012) into the on-chain
// 1e18-scaled representation used throughout the pipeline.
func ScaledHF(f float64) *uint256.Int {
	scaled := new(big.Float).Mul(big.NewFloat(f), big.NewFloat(1e18))
	i, _ := scaled.Int(nil)
	u, _ := uint256.FromBig(i)
	return u
}
