// Package iface declares the external collaborators the pipeline depends
// on. Each interface is small and focused, in the style of a single
// accepted capability rather than a do-everything client; concrete RPC
// and transport implementations are out of scope and live in the
// operator's own wiring.
package iface

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fenwick-labs/liquidator/types"
)

// BlockHeader is the minimal per-block information the pipeline needs.
type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  time.Time
}

// BlockFeed streams new heads and reorg notifications. Implementations
// must deliver NewHead events in non-decreasing block number order on
// the canonical chain and must emit Reorg whenever the previously
// delivered head is no longer canonical.
type BlockFeed interface {
	// Subscribe returns a channel of new canonical heads and a channel
	// of reorg notifications (the common ancestor block number), both
	// closed when ctx is done.
	Subscribe(ctx context.Context) (heads <-chan BlockHeader, reorgs <-chan uint64, err error)
}

// ProtocolEvent is a decoded log relevant to borrower state.
type ProtocolEvent struct {
	Kind     EventKind
	Block    uint64
	LogIndex uint
	Borrower common.Address
	Reserve  common.Address
}

// EventKind enumerates the protocol log types the Event Decoder recognizes.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventBorrow
	EventRepay
	EventSupply
	EventWithdraw
	EventLiquidationCall
	EventReserveDataUpdated
	EventAnswerUpdated
)

// EventFeed streams decoded protocol events for a range of blocks.
type EventFeed interface {
	Subscribe(ctx context.Context) (<-chan ProtocolEvent, error)
}

// PriceUpdate is one oracle price observation.
type PriceUpdate struct {
	Reserve   common.Address
	PriceUSD  *uint256.Int
	Timestamp time.Time
	Source    string
}

// OracleFeed streams price updates from one or more upstream oracle
// sources, pre-deduplication; the Signal Gate is responsible for
// debouncing and cross-source validation.
type OracleFeed interface {
	Subscribe(ctx context.Context) (<-chan PriceUpdate, error)
}

// Account is one borrower's on-chain account snapshot, mirroring
// the protocol's getUserAccountData call.
type Account struct {
	HF                      *uint256.Int // scaled 1e18
	CollateralBase          *uint256.Int // base currency, 8 fractional decimals
	DebtBase                *uint256.Int
	LiquidationThresholdBps uint32 // average across collateral reserves
}

// HealthFactorOracle recomputes health factors on demand. Implementations
// should use a multicall-style batch where available; Batch may return an
// xerr.RpcPermanent-wrapped error if the underlying RPC has no batching
// support, in which case callers fall back to individual Single calls.
type HealthFactorOracle interface {
	// Single returns the account snapshot for one borrower at the given
	// block number (0 meaning latest).
	Single(ctx context.Context, borrower common.Address, block uint64) (Account, error)
	// Batch returns account snapshots for many borrowers in one round
	// trip. Returns xerr.RpcPermanent-wrapped error if batching is
	// unsupported; callers should fall back to Single in that case.
	Batch(ctx context.Context, borrowers []common.Address, block uint64) (map[common.Address]Account, error)
}

// ReserveMeta is one reserve's current price and configuration, mirroring
// what plan building and projection need in one read.
type ReserveMeta struct {
	PriceBase8          *uint256.Int // raw integer, 8 fractional base decimals
	PriceUpdatedAt      time.Time
	Decimals            uint8
	Symbol              string
	LiquidationBonusBps uint32
}

// ReserveDataReader reads current reserve configuration (LTV, liquidation
// threshold, bonus) needed to project health factor moves from a price
// update without a full on-chain recomputation, and the reserve's current
// price for plan-building.
type ReserveDataReader interface {
	ReserveData(ctx context.Context, reserve common.Address, block uint64) (types.Reserve, error)
	PriceAndMeta(ctx context.Context, reserve common.Address) (ReserveMeta, error)
}

// TxPlan is a fully-formed transaction ready for submission.
type TxPlan struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	FeeCap   *uint256.Int
	TipCap   *uint256.Int
	Nonce    uint64
}

// SubmitResult reports the outcome of a TxSender submission.
type SubmitResult struct {
	TxHash    common.Hash
	Submitted time.Time
}

// TxSender broadcasts liquidation transactions and their fee-bumped
// replacements. It has two submission modes: a private relay that keeps
// the transaction out of the public mempool, and a public race that
// broadcasts to every configured write endpoint at once.
type TxSender interface {
	// SubmitPrivate sends through the private relay.
	SubmitPrivate(ctx context.Context, plan TxPlan) (SubmitResult, error)
	// SubmitPublicRace broadcasts to all public write endpoints.
	SubmitPublicRace(ctx context.Context, plan TxPlan) (SubmitResult, error)
	// Replace resubmits the same nonce with a higher fee cap (RBF).
	Replace(ctx context.Context, plan TxPlan) (SubmitResult, error)
	// Cancel submits a zero-value self-send at the given nonce to free it
	// without completing the original action.
	Cancel(ctx context.Context, nonce uint64, feeCap *uint256.Int) (SubmitResult, error)
}

// CompetitorLiquidation is an observed on-chain liquidation not submitted
// by this process, used by the Miss Classifier.
type CompetitorLiquidation struct {
	Borrower common.Address
	Block    uint64
	TxHash   common.Hash
}
