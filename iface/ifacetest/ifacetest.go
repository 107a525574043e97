// Package ifacetest provides small, in-memory doubles for every iface
// collaborator, for orchestrator-level and scenario tests that need to
// drive the full pipeline without a real chain connection.
package ifacetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fenwick-labs/liquidator/iface"
	"github.com/fenwick-labs/liquidator/types"
	"github.com/fenwick-labs/liquidator/xerr"
)

// Oracle is a scripted iface.HealthFactorOracle: tests set per-borrower
// Accounts and Oracle returns them verbatim, counting calls so tests can
// assert on the per-block budget.
type Oracle struct {
	mu       sync.Mutex
	Accounts map[common.Address]iface.Account
	Err      map[common.Address]error
	Calls    int
	BatchOK  bool // if false, Batch returns an error so callers fall back to Single
}

// NewOracle builds an empty Oracle double with batching enabled.
func NewOracle() *Oracle {
	return &Oracle{Accounts: make(map[common.Address]iface.Account), Err: make(map[common.Address]error), BatchOK: true}
}

// Set records the account snapshot Single/Batch will return for addr.
func (o *Oracle) Set(addr common.Address, hf, collateralBase, debtBase *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Accounts[addr] = iface.Account{HF: hf, CollateralBase: collateralBase, DebtBase: debtBase, LiquidationThresholdBps: 8000}
}

func (o *Oracle) Single(_ context.Context, borrower common.Address, _ uint64) (iface.Account, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls++
	if err, ok := o.Err[borrower]; ok {
		return iface.Account{}, err
	}
	return o.Accounts[borrower], nil
}

func (o *Oracle) Batch(_ context.Context, borrowers []common.Address, _ uint64) (map[common.Address]iface.Account, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.BatchOK {
		return nil, fmt.Errorf("%w: batching disabled", xerr.RpcPermanent)
	}
	o.Calls++
	out := make(map[common.Address]iface.Account, len(borrowers))
	for _, b := range borrowers {
		if err, ok := o.Err[b]; ok {
			return nil, err
		}
		out[b] = o.Accounts[b]
	}
	return out, nil
}

// CallCount reports the number of Single calls plus accepted Batch calls
// so far; a Batch refused because BatchOK is false is not counted.
func (o *Oracle) CallCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Calls
}

// ReserveReader is a scripted iface.ReserveDataReader.
type ReserveReader struct {
	mu       sync.Mutex
	Reserves map[common.Address]types.Reserve
	Metas    map[common.Address]iface.ReserveMeta
}

// NewReserveReader builds an empty ReserveReader double.
func NewReserveReader() *ReserveReader {
	return &ReserveReader{Reserves: make(map[common.Address]types.Reserve), Metas: make(map[common.Address]iface.ReserveMeta)}
}

func (r *ReserveReader) Set(asset common.Address, res types.Reserve, meta iface.ReserveMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reserves[asset] = res
	r.Metas[asset] = meta
}

func (r *ReserveReader) ReserveData(_ context.Context, reserve common.Address, _ uint64) (types.Reserve, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Reserves[reserve], nil
}

func (r *ReserveReader) PriceAndMeta(_ context.Context, reserve common.Address) (iface.ReserveMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Metas[reserve], nil
}

// Sender is a recording iface.TxSender: every submission call is appended
// to Sent for assertions, and returns a synthetic tx hash derived from
// the call count. PrivateFail makes only the private relay path fail, for
// exercising the private-then-public fallback.
type Sender struct {
	mu          sync.Mutex
	Sent        []iface.TxPlan
	Fail        error
	PrivateFail error
}

// NewSender builds an empty Sender double.
func NewSender() *Sender { return &Sender{} }

func (s *Sender) SubmitPrivate(_ context.Context, plan iface.TxPlan) (iface.SubmitResult, error) {
	s.mu.Lock()
	fail := s.PrivateFail
	s.mu.Unlock()
	if fail != nil {
		return iface.SubmitResult{}, fail
	}
	return s.record(plan)
}

func (s *Sender) SubmitPublicRace(_ context.Context, plan iface.TxPlan) (iface.SubmitResult, error) {
	return s.record(plan)
}

func (s *Sender) Replace(_ context.Context, plan iface.TxPlan) (iface.SubmitResult, error) {
	return s.record(plan)
}

func (s *Sender) Cancel(_ context.Context, nonce uint64, feeCap *uint256.Int) (iface.SubmitResult, error) {
	return s.record(iface.TxPlan{Nonce: nonce, FeeCap: feeCap})
}

func (s *Sender) record(plan iface.TxPlan) (iface.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return iface.SubmitResult{}, s.Fail
	}
	s.Sent = append(s.Sent, plan)
	return iface.SubmitResult{TxHash: common.BigToHash(uint256.NewInt(uint64(len(s.Sent))).ToBig())}, nil
}

// SubmitCount reports how many submission calls were recorded.
func (s *Sender) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// BlockFeed replays a fixed sequence of headers over a channel, for tests
// that drive the Orchestrator one block at a time without a real feed.
type BlockFeed struct {
	Heads  []iface.BlockHeader
	Reorgs []uint64
}

func (f *BlockFeed) Subscribe(ctx context.Context) (<-chan iface.BlockHeader, <-chan uint64, error) {
	heads := make(chan iface.BlockHeader, len(f.Heads))
	reorgs := make(chan uint64, len(f.Reorgs))
	for _, h := range f.Heads {
		heads <- h
	}
	for _, r := range f.Reorgs {
		reorgs <- r
	}
	close(heads)
	close(reorgs)
	return heads, reorgs, nil
}
