// Package verifier implements the HF Verifier: batched,
// concurrency-bounded recomputation of borrower health factors, with a
// short-lived per-block cache to dedup repeat reads, per-block call and
// candidate budgets, inter-wave rate limiting, and a near-band filter so
// wall-clock and RPC budget go toward borrowers actually close to the
// liquidation threshold.
//
// The concurrent fan-out is the usual aggregator shape: one goroutine
// per unit of work, a single result channel, and a cancelable context so
// the caller can walk away once it has enough.
package verifier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fenwick-labs/liquidator/iface"
	"github.com/fenwick-labs/liquidator/telemetry"
	"github.com/fenwick-labs/liquidator/xerr"
)

// ErrBudgetExceeded is the error kind (xerr.BudgetExceeded) for a spent
// per-block call budget. Verify does not return it: once the budget is
// spent, the remaining candidates are left out of that wave's results and
// the wave is counted in verifier/budget_exceeded_total.
var ErrBudgetExceeded = xerr.BudgetExceeded

// cacheKey is (borrower, block); HF is stable for a given block so this
// cache only needs to survive one wave. On reorg, Purge drops the entries
// at or above the given block.
type cacheKey struct {
	addr  common.Address
	block uint64
}

type cacheEntry struct {
	acc      iface.Account
	cachedAt time.Time
}

// Config controls verification batching, budgets, and the near-band
// filter.
type Config struct {
	BatchSize     int // B
	MaxConcurrent int64
	CacheSize     int
	CacheTTL      time.Duration // T_cache, default 2s

	QBlock int           // per-block call budget, default 200
	CBlock int           // per-block distinct-candidate budget, default 60
	IMin   time.Duration // minimum inter-wave spacing, default 150ms
	DUser  time.Duration // per-user re-verify dedup window, default 60s

	// NearBandEps is the HF distance from 1.0 (scaled 1e18) outside which
	// a borrower is dropped unless MinDebtBase/critical exceptions apply.
	NearBandEps *uint256.Int
	MinDebtBase *uint256.Int
	// PredCritical is the projected-HF threshold for keeping a
	// near-band-filtered borrower in the wave anyway.
	PredCritical *uint256.Int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		MaxConcurrent: 8,
		CacheSize:     4096,
		CacheTTL:      2 * time.Second,
		QBlock:        200,
		CBlock:        60,
		IMin:          150 * time.Millisecond,
		DUser:         60 * time.Second,
		NearBandEps:   scaledFrac(3, 2),     // 0.03
		PredCritical:  scaledFrac(10008, 4), // 1.0008
	}
}

func scaledFrac(numer, fracDigits int64) *uint256.Int {
	v := uint256.NewInt(uint64(numer))
	v.Mul(v, uint256.NewInt(1e18))
	div := uint256.NewInt(1)
	for i := int64(0); i < fracDigits; i++ {
		div.Mul(div, uint256.NewInt(10))
	}
	return v.Div(v, div)
}

// Verifier recomputes health factors for dirty borrowers.
type Verifier struct {
	oracle iface.HealthFactorOracle
	cfg    Config
	cache  *lru.Cache[cacheKey, cacheEntry]
	sem    *semaphore.Weighted
	lim    *rate.Limiter
	sink   *telemetry.Sink

	mu           sync.Mutex
	blockCalls   int
	blockDone    map[common.Address]bool // per-block dedup
	curBlock     uint64
	lastVerify   map[common.Address]time.Time // D_user dedup
	lastStrength map[common.Address]int

	callsTotal    interface{ Inc(int64) }
	batchFallback interface{ Inc(int64) }
	nearBandDrop  interface{ Inc(int64) }
	budgetHits    interface{ Inc(int64) }
}

// Result is one borrower's verified account, or an error classifying why
// verification was not completed.
type Result struct {
	Borrower common.Address
	Account  iface.Account
	Err      error
}

// New builds a Verifier. oracle.Batch may fail with xerr.RpcPermanent if
// the upstream has no multicall support; Verify falls back to
// per-address calls in that case.
func New(oracle iface.HealthFactorOracle, cfg Config, sink *telemetry.Sink) *Verifier {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.QBlock <= 0 {
		cfg.QBlock = def.QBlock
	}
	if cfg.CBlock <= 0 {
		cfg.CBlock = def.CBlock
	}
	if cfg.IMin <= 0 {
		cfg.IMin = def.IMin
	}
	if cfg.DUser <= 0 {
		cfg.DUser = def.DUser
	}
	if cfg.NearBandEps == nil {
		cfg.NearBandEps = def.NearBandEps
	}
	if cfg.PredCritical == nil {
		cfg.PredCritical = def.PredCritical
	}
	cache, _ := lru.New[cacheKey, cacheEntry](cfg.CacheSize)
	v := &Verifier{
		oracle:       oracle,
		cfg:          cfg,
		cache:        cache,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		lim:          rate.NewLimiter(rate.Every(cfg.IMin), 1),
		sink:         sink,
		blockDone:    make(map[common.Address]bool),
		lastVerify:   make(map[common.Address]time.Time),
		lastStrength: make(map[common.Address]int),
	}
	if sink != nil {
		v.callsTotal = sink.Counter("verifier/calls_total")
		v.batchFallback = sink.Counter("verifier/batch_fallback_total")
		v.nearBandDrop = sink.Counter("verifier/near_band_dropped_total")
		v.budgetHits = sink.Counter("verifier/budget_exceeded_total")
	}
	return v
}

// OnNewBlock resets the per-block dedup set and call counter. Must be
// called once at the start of processing each new block, before any
// Verify call for that block.
func (v *Verifier) OnNewBlock(block uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.curBlock = block
	v.blockCalls = 0
	v.blockDone = make(map[common.Address]bool)
}

// Purge invalidates every cached entry at or above fromBlock, called on
// reorg (entries are keyed by block number, so everything above the
// common ancestor is stale).
func (v *Verifier) Purge(fromBlock uint64) {
	for _, k := range v.cache.Keys() {
		if k.block >= fromBlock {
			v.cache.Remove(k)
		}
	}
}

// Candidate bundles the per-borrower inputs Verify needs for the
// near-band filter and ordering. Build one with NewCandidate.
type Candidate struct {
	addr           common.Address
	lastHF         *uint256.Int
	debtBase       *uint256.Int
	projectedHF    *uint256.Int
	signalStrength int
}

// Verify recomputes health factors for the given candidates at block,
// applying the near-band filter, per-block budgets, and D_user dedup
// before issuing any RPC call. Candidates are taken in ascending-lastHF
// order (most at-risk first), ties broken by larger debt, so a tight
// budget reaches the most at-risk first. Results list cache hits first,
// then the freshly verified borrowers.
func (v *Verifier) Verify(ctx context.Context, cands []Candidate, now time.Time) ([]Result, error) {
	sort.SliceStable(cands, func(i, j int) bool {
		hi, hj := cands[i].lastHF, cands[j].lastHF
		switch {
		case hi == nil && hj == nil:
			return debtGreater(cands[i].debtBase, cands[j].debtBase)
		case hi == nil:
			return false
		case hj == nil:
			return true
		case hi.Cmp(hj) != 0:
			return hi.Cmp(hj) < 0
		default:
			return debtGreater(cands[i].debtBase, cands[j].debtBase)
		}
	})

	v.mu.Lock()
	toVerify := make([]common.Address, 0, len(cands))
	byAddr := make(map[common.Address]Candidate, len(cands))
	for _, c := range cands {
		if v.blockDone[c.addr] {
			continue
		}
		if last, ok := v.lastVerify[c.addr]; ok && now.Sub(last) < v.cfg.DUser {
			if c.signalStrength <= v.lastStrength[c.addr] {
				continue
			}
		}
		if v.nearBandFiltered(c) {
			if v.nearBandDrop != nil {
				v.nearBandDrop.Inc(1)
			}
			continue
		}
		if cached, ok := v.cache.Get(cacheKey{c.addr, v.curBlock}); ok && now.Sub(cached.cachedAt) < v.cfg.CacheTTL {
			continue
		}
		if len(toVerify)+v.blockCalls >= v.cfg.QBlock || len(toVerify) >= v.cfg.CBlock {
			break
		}
		toVerify = append(toVerify, c.addr)
		byAddr[c.addr] = c
	}
	budgetExceeded := len(toVerify)+v.blockCalls >= v.cfg.QBlock && len(toVerify) < len(cands)
	v.mu.Unlock()

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		if cached, ok := v.cache.Get(cacheKey{c.addr, v.curBlock}); ok {
			if _, toBeVerified := byAddr[c.addr]; !toBeVerified {
				results = append(results, Result{Borrower: c.addr, Account: cached.acc})
			}
		}
	}

	if len(toVerify) == 0 {
		if budgetExceeded && v.budgetHits != nil {
			v.budgetHits.Inc(1)
		}
		return results, nil
	}

	if err := v.lim.Wait(ctx); err != nil {
		return nil, err
	}

	fresh, err := v.verifyBatched(ctx, toVerify, v.curBlock)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	for _, r := range fresh {
		v.blockDone[r.Borrower] = true
		v.blockCalls++
		if r.Err == nil {
			v.cache.Add(cacheKey{r.Borrower, v.curBlock}, cacheEntry{acc: r.Account, cachedAt: now})
			v.lastVerify[r.Borrower] = now
			if c, ok := byAddr[r.Borrower]; ok {
				v.lastStrength[r.Borrower] = c.signalStrength
			}
		}
	}
	v.mu.Unlock()

	if budgetExceeded && v.budgetHits != nil {
		v.budgetHits.Inc(1)
	}
	return append(results, fresh...), nil
}

func debtGreater(a, b *uint256.Int) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Cmp(b) > 0
}

// nearBandFiltered applies the near-band filter before any
// call is issued: drop unless close to 1.0, or debt is large enough and
// either already critical or projected to cross soon.
func (v *Verifier) nearBandFiltered(c Candidate) bool {
	if c.lastHF == nil {
		return false // unknown HF is never filtered; always worth a fresh read
	}
	one := uint256.NewInt(1e18)
	dist := new(uint256.Int)
	if c.lastHF.Cmp(one) >= 0 {
		dist.Sub(c.lastHF, one)
	} else {
		dist.Sub(one, c.lastHF)
	}
	if dist.Cmp(v.cfg.NearBandEps) <= 0 {
		return false
	}
	if c.debtBase == nil || (v.cfg.MinDebtBase != nil && c.debtBase.Cmp(v.cfg.MinDebtBase) < 0) {
		return true
	}
	if c.lastHF.Cmp(one) < 0 {
		return false
	}
	if c.projectedHF != nil && c.projectedHF.Cmp(v.cfg.PredCritical) <= 0 {
		return false
	}
	return true
}

func (v *Verifier) verifyBatched(ctx context.Context, addrs []common.Address, block uint64) ([]Result, error) {
	groups := chunk(addrs, v.cfg.BatchSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type groupResult struct {
		idx int
		res map[common.Address]Result
	}
	resultsCh := make(chan groupResult, len(groups))

	var wg sync.WaitGroup
	for i, group := range groups {
		if err := v.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(idx int, group []common.Address) {
			defer wg.Done()
			defer v.sem.Release(1)

			if v.callsTotal != nil {
				v.callsTotal.Inc(1)
			}
			accs, err := v.oracle.Batch(ctx, group, block)
			var res map[common.Address]Result
			if err != nil {
				if v.batchFallback != nil {
					v.batchFallback.Inc(1)
				}
				res = v.verifyIndividually(ctx, group, block)
			} else {
				res = make(map[common.Address]Result, len(group))
				for _, a := range group {
					res[a] = Result{Borrower: a, Account: accs[a]}
				}
			}
			resultsCh <- groupResult{idx: idx, res: res}
		}(i, group)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	ordered := make([]map[common.Address]Result, len(groups))
	for gr := range resultsCh {
		ordered[gr.idx] = gr.res
	}

	out := make([]Result, 0, len(addrs))
	for i, group := range groups {
		res := ordered[i]
		for _, a := range group {
			out = append(out, res[a])
		}
	}
	return out, nil
}

// verifyIndividually fans out one goroutine per address, retrying each
// RpcTransient failure at most once; a revert is terminal and reported
// as-is for the caller to evict the user.
func (v *Verifier) verifyIndividually(ctx context.Context, addrs []common.Address, block uint64) map[common.Address]Result {
	ch := make(chan Result, len(addrs))
	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(a common.Address) {
			defer wg.Done()
			acc, err := v.oracle.Single(ctx, a, block)
			if err != nil && errors.Is(err, xerr.RpcTransient) {
				acc, err = v.oracle.Single(ctx, a, block)
			}
			ch <- Result{Borrower: a, Account: acc, Err: err}
		}(a)
	}
	go func() { wg.Wait(); close(ch) }()

	out := make(map[common.Address]Result, len(addrs))
	for r := range ch {
		out[r.Borrower] = r
	}
	return out
}

func chunk(addrs []common.Address, size int) [][]common.Address {
	var groups [][]common.Address
	for i := 0; i < len(addrs); i += size {
		end := i + size
		if end > len(addrs) {
			end = len(addrs)
		}
		groups = append(groups, addrs[i:end])
	}
	return groups
}

// NewCandidate builds a candidate input for Verify.
func NewCandidate(addr common.Address, lastHF, debtBase, projectedHF *uint256.Int, signalStrength int) Candidate {
	return Candidate{addr: addr, lastHF: lastHF, debtBase: debtBase, projectedHF: projectedHF, signalStrength: signalStrength}
}
