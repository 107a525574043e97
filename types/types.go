// Package types holds the shared data model for the liquidation candidate
// pipeline: the records that flow between the Dirty Set, the Candidate
// Store, the HF Verifier, the priority queues, and the Fast-Path Executor.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Reason records why a borrower entered the Dirty Set. Protocol events
// keep their own reason so the promotion ordering can tell a
// risk-increasing borrow apart from a risk-reducing repay.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	// ReasonBorrow means the borrower took on new debt.
	ReasonBorrow
	// ReasonRepay means the borrower repaid debt.
	ReasonRepay
	// ReasonSupply means the borrower added collateral.
	ReasonSupply
	// ReasonWithdraw means the borrower removed collateral.
	ReasonWithdraw
	// ReasonLiquidationCall means part of the borrower's position was
	// just liquidated; what remains is usually still near the edge.
	ReasonLiquidationCall
	// ReasonPriceMove means an oracle price update moved a reserve the
	// borrower is exposed to.
	ReasonPriceMove
	// ReasonProjection means a collateral/debt projection crossed the
	// warm threshold even though no event or price move was observed.
	ReasonProjection
	// ReasonReservePrice means a reserve-level configuration change
	// (ReserveDataUpdated touching LTV, liquidation threshold, or
	// bonus) affects every borrower exposed to that reserve, distinct
	// from an individual oracle price tick (ReasonPriceMove).
	ReasonReservePrice
)

func (r Reason) String() string {
	switch r {
	case ReasonBorrow:
		return "borrow"
	case ReasonRepay:
		return "repay"
	case ReasonSupply:
		return "supply"
	case ReasonWithdraw:
		return "withdraw"
	case ReasonLiquidationCall:
		return "liquidation_call"
	case ReasonPriceMove:
		return "price_move"
	case ReasonProjection:
		return "projection"
	case ReasonReservePrice:
		return "reserve_price"
	default:
		return "unknown"
	}
}

// Strength weighs a reason for verification-promotion ordering:
// risk-increasing actions outrank price ticks, which outrank
// risk-reducing actions. A borrower's promotion strength is the sum over
// its distinct reasons.
func (r Reason) Strength() int {
	switch r {
	case ReasonLiquidationCall:
		return 4
	case ReasonBorrow, ReasonWithdraw:
		return 3
	case ReasonPriceMove, ReasonReservePrice, ReasonProjection:
		return 2
	default:
		return 1
	}
}

// Reserve is a single collateral or debt position a borrower holds in one
// protocol reserve.
type Reserve struct {
	Asset               common.Address
	CollateralAmount    *uint256.Int
	DebtAmount          *uint256.Int
	LiquidationBonus    *uint256.Int // basis points
	VariableBorrowIndex *uint256.Int // ray-scaled accrual index, drives calldata template reuse
	IsCollateral        bool
	IsBorrowed          bool
}

// Borrower is a tracked account in the Candidate Store: its last known
// health factor, the block it was computed at, and the bounded set of
// reserves it touches.
type Borrower struct {
	Address      common.Address
	LastHF       *uint256.Int // scaled 1e18, same convention as on-chain HF
	LastHFBlock  uint64
	LastVerified time.Time

	TotalCollateralBase *uint256.Int // base currency, 8 fractional decimals
	TotalDebtBase       *uint256.Int

	Reserves    []Reserve // capped at K reserves, insertion ordered
	InHotQueue  bool
	InWarmQueue bool

	// CooldownUntil is the wall-clock deadline before which this borrower
	// must not be re-admitted into an execution attempt, set after every
	// attempt and only ever moved forward.
	CooldownUntil time.Time

	// Priority is the last priority this borrower was admitted to a queue
	// with, lower meaning more urgent; see QueueEntry.Priority.
	Priority int64

	// FirstSeenLiquidatableBlock is the block number at which HF first
	// dropped below 1 for this borrower since it was last cleared. Zero
	// means unset.
	FirstSeenLiquidatableBlock uint64
}

// DirtyEntry is one outstanding reason a borrower needs re-verification.
// A borrower may accumulate several entries (one per reason) before the
// next wave clears them.
type DirtyEntry struct {
	Borrower  common.Address
	Reason    Reason
	AddedAt   time.Time
	ExpiresAt time.Time
}

// EntryReason records why a QueueEntry was admitted.
type EntryReason uint8

const (
	EntryReasonUnknown    EntryReason = iota
	EntryReasonHF                     // verified HF crossed an admission threshold
	EntryReasonProjection             // projected HF crossing, no fresh verification yet
)

// QueueEntry is a borrower admitted into one of the priority queues,
// ordered by urgency (lower HF / sooner projected breach first). Priority
// packs the lexicographic tuple (floor(hf*1e4), -debtBase, insertion
// counter) into a single comparable int64 built by the
// queue package; lower sorts first.
type QueueEntry struct {
	Borrower            common.Address
	HF                  *uint256.Int
	Block               uint64
	TotalDebtBase       *uint256.Int
	ProjectedHF         *uint256.Int // nil if not a projection
	BlocksUntilCritical int64        // -1 if unknown
	EntryReason         EntryReason
	EnteredAt           time.Time
	Priority            int64
}

// ExecutionPlan is the Fast-Path Executor's built liquidation plan for one
// candidate: which reserves to use and how much debt to cover.
type ExecutionPlan struct {
	Borrower        common.Address
	CollateralAsset common.Address
	DebtAsset       common.Address
	RepayAmount     *uint256.Int
	ExpectedProfit  *uint256.Int
	Optimistic      bool // true if dispatched before final on-chain confirmation
	FeeCapWei       *uint256.Int
	TipCapWei       *uint256.Int
	Nonce           uint64
	AttemptNumber   int // 1 for initial submission, >1 for RBF bumps
}

// DecisionKind enumerates the outcomes recorded in the Execution Decision
// ring buffer consumed by the Miss Classifier.
type DecisionKind uint8

const (
	DecisionUnknown DecisionKind = iota
	DecisionAttempt
	DecisionSkip
	DecisionRevert
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAttempt:
		return "attempt"
	case DecisionSkip:
		return "skip"
	case DecisionRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// SkipReason enumerates why a candidate was not executed, used by the
// Miss Classifier's gas/profit overlay.
type SkipReason string

const (
	SkipReasonHFRecovery        SkipReason = "hf_recovery"
	SkipReasonProfit            SkipReason = "insufficient_profit"
	SkipReasonGasOutbid         SkipReason = "gas_outbid"
	SkipReasonStalePrice        SkipReason = "stale_price"
	SkipReasonExecutionFiltered SkipReason = "execution_filtered"
)

// ExecutionDecision is one entry in the bounded, TTL'd ring buffer the
// Fast-Path Executor appends to and the Miss Classifier reads, never the
// reverse: the log is the single owner of decision history.
type ExecutionDecision struct {
	Borrower          common.Address
	Timestamp         time.Time
	Block             uint64
	Kind              DecisionKind
	Reason            SkipReason
	GasPriceGwei      float64
	ProfitEstimateUSD float64
	TxHash            common.Hash
}

// LatencyStage names one timestamp recorded in a LatencyRecord.
type LatencyStage uint8

const (
	StageBlockReceived LatencyStage = iota
	StageCandidateDetected
	StagePlanReady
	StageTxSigned
	StageTxBroadcast
	StageSubmittedPrivate
	StageFirstInclusionSeen
)

// LatencyRecord captures one completed pipeline traversal for a borrower,
// from block receipt to terminal outcome, and is cleared once that
// outcome is recorded.
type LatencyRecord struct {
	Borrower common.Address
	Stamps   map[LatencyStage]time.Time
	Outcome  Outcome
}

// Mark records t for stage, creating the Stamps map on first use.
func (r *LatencyRecord) Mark(stage LatencyStage, t time.Time) {
	if r.Stamps == nil {
		r.Stamps = make(map[LatencyStage]time.Time)
	}
	r.Stamps[stage] = t
}

// EndToEnd returns the elapsed duration between StageBlockReceived and
// StageTxBroadcast, or false if either stamp is missing.
func (r *LatencyRecord) EndToEnd() (time.Duration, bool) {
	start, ok := r.Stamps[StageBlockReceived]
	if !ok {
		return 0, false
	}
	end, ok := r.Stamps[StageTxBroadcast]
	if !ok {
		return 0, false
	}
	return end.Sub(start), true
}

// Outcome is the terminal state of one liquidation attempt.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeConfirmed
	OutcomeReverted
	OutcomeMissedByCompetitor
	OutcomeAbandoned
)
