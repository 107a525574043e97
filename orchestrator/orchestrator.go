// Package orchestrator wires the candidate pipeline together and owns
// the per-block critical section that drives it: signals and events in,
// verified candidates out to the execution fast path.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"

	"github.com/fenwick-labs/liquidator/candidate"
	"github.com/fenwick-labs/liquidator/decode"
	"github.com/fenwick-labs/liquidator/dirty"
	"github.com/fenwick-labs/liquidator/executor"
	"github.com/fenwick-labs/liquidator/iface"
	"github.com/fenwick-labs/liquidator/missclass"
	"github.com/fenwick-labs/liquidator/queue"
	"github.com/fenwick-labs/liquidator/signal"
	"github.com/fenwick-labs/liquidator/telemetry"
	"github.com/fenwick-labs/liquidator/types"
	"github.com/fenwick-labs/liquidator/verifier"
)

// Config controls the Orchestrator's per-block batching.
type Config struct {
	CBlock    int    // max distinct users promoted to verification per block
	KFirst    uint64 // blocks before firstSeen entries are pruned
	WorkerCap int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{CBlock: 60, KFirst: 1000, WorkerCap: 4}
}

// Orchestrator wires the full candidate pipeline and drives it one block
// at a time.
type Orchestrator struct {
	cfg Config

	gate       *signal.Gate
	dirtySet   *dirty.Set
	store      *candidate.Store
	decoder    *decode.Decoder
	verifier   *verifier.Verifier
	tiers      *queue.Tiers
	exec       *executor.Executor
	classifier *missclass.Classifier
	decisions  *missclass.Log

	now  func() time.Time
	sink *telemetry.Sink

	blocksProcessed metrics.Counter
}

// New builds an Orchestrator from its already-constructed collaborators.
func New(
	cfg Config,
	gate *signal.Gate,
	dirtySet *dirty.Set,
	store *candidate.Store,
	decoder *decode.Decoder,
	v *verifier.Verifier,
	tiers *queue.Tiers,
	exec *executor.Executor,
	classifier *missclass.Classifier,
	decisions *missclass.Log,
	now func() time.Time,
	sink *telemetry.Sink,
) *Orchestrator {
	if cfg.CBlock <= 0 {
		cfg.CBlock = 60
	}
	if cfg.KFirst <= 0 {
		cfg.KFirst = 1000
	}
	if cfg.WorkerCap <= 0 {
		cfg.WorkerCap = 4
	}
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		cfg: cfg, gate: gate, dirtySet: dirtySet, store: store, decoder: decoder,
		verifier: v, tiers: tiers, exec: exec, classifier: classifier, decisions: decisions,
		now: now, sink: sink,
	}
	if sink != nil {
		o.blocksProcessed = sink.Counter("orchestrator/blocks_processed_total")
	}
	return o
}

// BlockInput bundles everything observed for one new block: the header,
// raw logs for the Event Decoder to turn into ProtocolEvents, and raw
// price signals for the Signal Gate to filter (gate application happens
// inside OnBlock, not before).
type BlockInput struct {
	Header  iface.BlockHeader
	Logs    []gethtypes.Log
	Signals []signal.PriceSignal
}

// OnBlock runs the per-block critical section, steps
// 1–7. It returns the number of candidates admitted into either priority
// queue this block, for diagnostics.
func (o *Orchestrator) OnBlock(ctx context.Context, in BlockInput) (int, error) {
	blockReceived := o.now()

	// Step 1: reset per-block counters.
	o.verifier.OnNewBlock(in.Header.Number)

	// Step 2: drain accepted signals, mark exposed users dirty via the
	// Candidate Store's reserve inverted index.
	for _, sig := range in.Signals {
		if !o.gate.Decide(sig) {
			continue
		}
		exposed := o.store.ExposedUsers(sig.Asset)
		o.dirtySet.MarkBulk(exposed, types.ReasonPriceMove)
	}

	// Step 3: decode this block's logs and mark affected users dirty.
	events, dropped := o.decoder.DecodeAll(in.Logs)
	if dropped > 0 && o.sink != nil {
		o.sink.Log.Warn("dropped malformed protocol logs", "block", in.Header.Number, "count", dropped)
	}
	for _, ev := range events {
		if ev.Borrower == (common.Address{}) {
			// Reserve-level events carry no borrower; they affect
			// exposure, not a specific user. On ReserveDataUpdated the
			// executor re-reads the reserve's metadata and flushes its
			// whole calldata template cache if the liquidation bonus
			// moved, and every exposed user is marked dirty so the next
			// wave re-verifies
			// against the new configuration. An aggregator's
			// AnswerUpdated is the same shape with the feed contract as
			// the reserve key.
			switch ev.Kind {
			case iface.EventReserveDataUpdated:
				o.exec.NoteReserveUpdate(ctx, ev.Reserve)
				o.dirtySet.MarkBulk(o.store.ExposedUsers(ev.Reserve), types.ReasonReservePrice)
			case iface.EventAnswerUpdated:
				o.dirtySet.MarkBulk(o.store.ExposedUsers(ev.Reserve), types.ReasonPriceMove)
			}
			continue
		}
		o.dirtySet.Mark(ev.Borrower, eventReason(ev.Kind))
	}

	// Step 4: promote dirty users into verification, ordered by reason
	// strength then ascending last-known HF, before the C_block cut.
	dirtyEntries := o.dirtySet.Drain()
	type promo struct {
		addr     common.Address
		strength int
		lastHF   *uint256.Int
		debtBase *uint256.Int
	}
	promos := make([]promo, 0, len(dirtyEntries))
	for addr, reasons := range dirtyEntries {
		p := promo{addr: addr}
		for _, r := range reasons {
			p.strength += r.Strength()
		}
		if b, ok := o.store.Get(addr); ok {
			p.lastHF, p.debtBase = b.LastHF, b.TotalDebtBase
		}
		promos = append(promos, p)
	}
	sort.SliceStable(promos, func(i, j int) bool {
		if promos[i].strength != promos[j].strength {
			return promos[i].strength > promos[j].strength
		}
		hi, hj := promos[i].lastHF, promos[j].lastHF
		switch {
		case hi == nil:
			return hj == nil && promos[i].addr.Cmp(promos[j].addr) < 0
		case hj == nil:
			return true
		default:
			return hi.Cmp(hj) < 0
		}
	})
	if len(promos) > o.cfg.CBlock {
		promos = promos[:o.cfg.CBlock]
	}

	verifyInputs := make([]verifier.Candidate, 0, len(promos))
	for _, p := range promos {
		verifyInputs = append(verifyInputs, verifier.NewCandidate(p.addr, p.lastHF, p.debtBase, nil, p.strength))
	}

	results, err := o.verifier.Verify(ctx, verifyInputs, blockReceived)
	if err != nil {
		return 0, err
	}

	// Step 5: update the Candidate Store and admit into the priority
	// queues per the tier admission rules.
	admitted := 0
	for _, r := range results {
		if r.Err != nil {
			o.store.Remove(r.Borrower)
			o.tiers.Remove(r.Borrower)
			continue
		}
		o.store.UpsertFull(r.Borrower, r.Account.HF, r.Account.CollateralBase, r.Account.DebtBase, in.Header.Number, blockReceived)
		hot, warm := o.tiers.Admit(queue.Candidate{
			Borrower: r.Borrower, HF: r.Account.HF, Block: in.Header.Number,
			TotalDebtBase: r.Account.DebtBase, BlocksUntilCritical: -1,
		})
		if hot || warm {
			admitted++
		}
	}

	// Step 6: drain HotCritical first, then WarmProjected, up to worker
	// pool capacity.
	for i := 0; i < o.cfg.WorkerCap; i++ {
		entry, ok := o.tiers.Pop()
		if !ok {
			break
		}
		b, tracked := o.store.Get(entry.Borrower)
		if !tracked {
			continue // stale weak reference; Candidate Store is authoritative
		}
		if blockReceived.Before(b.CooldownUntil) {
			continue // a recent attempt still holds this borrower back
		}
		if !o.exec.TryStart(ctx, entry, blockReceived) {
			// Busy or pool exhausted; a re-verification next block will
			// re-admit the borrower if it is still in band.
			continue
		}
	}

	// Step 7: periodic cleanup. Clear first-seen blocks recorded more than
	// KFirst blocks ago, then rotate the decision log.
	for _, b := range o.store.Snapshot() {
		if b.FirstSeenLiquidatableBlock > 0 && in.Header.Number > b.FirstSeenLiquidatableBlock+o.cfg.KFirst {
			o.store.ClearFirstSeen(b.Address)
		}
	}
	o.decisions.Clean()

	if o.blocksProcessed != nil {
		o.blocksProcessed.Inc(1)
	}
	return admitted, nil
}

// Reorg handles the block feed's reorg side channel: invalidate the HF
// micro-cache for invalidated blocks and mark every in-flight borrower
// dirty so its HF is re-verified against the new canonical chain.
// Execution Decisions are kept (they are advisory only).
func (o *Orchestrator) Reorg(commonAncestor uint64) {
	o.verifier.Purge(commonAncestor)
	o.dirtySet.MarkBulk(o.exec.Inflight(), types.ReasonProjection)
}

// eventReason maps a decoded protocol event to the dirty reason it
// marks the affected borrower with.
func eventReason(kind iface.EventKind) types.Reason {
	switch kind {
	case iface.EventBorrow:
		return types.ReasonBorrow
	case iface.EventRepay:
		return types.ReasonRepay
	case iface.EventSupply:
		return types.ReasonSupply
	case iface.EventWithdraw:
		return types.ReasonWithdraw
	case iface.EventLiquidationCall:
		return types.ReasonLiquidationCall
	default:
		return types.ReasonUnknown
	}
}

// ClassifyCompetitorLiquidation feeds one observed competitor
// LiquidationCall into the Miss Classifier, after the
// barrier established at the end of OnBlock's step 7 for the same block.
func (o *Orchestrator) ClassifyCompetitorLiquidation(borrower, competitor common.Address, block uint64, ts time.Time) missclass.Record {
	return o.classifier.Classify(borrower, competitor, block, ts)
}
