// Package missclass implements the Miss Classifier: post-hoc
// classification of competitor liquidations observed on-chain, reconciled
// against this process's own recorded Execution Decisions.
package missclass

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/fenwick-labs/liquidator/types"
)

// Class is the output classification for one observed competitor
// liquidation.
type Class string

const (
	ClassOurs               Class = "ours"
	ClassNotInWatchSet      Class = "not_in_watch_set"
	ClassRaced              Class = "raced"
	ClassExecutionFiltered  Class = "execution_filtered"
	ClassInsufficientProfit Class = "insufficient_profit"
	ClassGasOutbid          Class = "gas_outbid"
	ClassRevert             Class = "revert"
	ClassHFTransient        Class = "hf_transient"
)

// Record is the structured output emitted for downstream telemetry.
type Record struct {
	Borrower             common.Address
	Competitor           common.Address
	EventBlock           uint64
	EventTimestamp       time.Time
	Class                Class
	BlocksSinceFirstSeen uint64
}

// Config controls classification thresholds and ring buffer sizing
// (defaults: size 5000, TTL 5 min).
type Config struct {
	OurSigner          common.Address
	TransientBlocks    uint64        // default 3
	DecisionTTL        time.Duration // default 5 min
	GasOutbidThreshold float64       // gwei

	Capacity int
	TTL      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TransientBlocks: 3, DecisionTTL: 5 * time.Minute, GasOutbidThreshold: 0, Capacity: 5000, TTL: 5 * time.Minute}
}

// CandidateStore is the subset of the Candidate Store the classifier
// needs: whether a user was ever tracked, and its FirstSeenLiquidatableBlock.
type CandidateStore interface {
	Get(addr common.Address) (*types.Borrower, bool)
	ClearFirstSeen(addr common.Address)
}

// DecisionLog is the subset of the Execution Decision ring buffer the
// classifier reads; the executor appends and never reads back (the log
// owns decision history).
type DecisionLog interface {
	// MostRecent returns the most recent decision for addr recorded
	// within the TTL window ending at asOf, if any.
	MostRecent(addr common.Address, asOf time.Time, ttl time.Duration) (types.ExecutionDecision, bool)
}

// Classifier classifies observed competitor liquidations.
type Classifier struct {
	cfg   Config
	store CandidateStore
	log   DecisionLog

	emitted metrics.Counter
}

// New builds a Classifier.
func New(cfg Config, store CandidateStore, log DecisionLog, reg metrics.Registry) *Classifier {
	if cfg.TransientBlocks == 0 {
		cfg.TransientBlocks = 3
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = 5 * time.Minute
	}
	c := &Classifier{cfg: cfg, store: store, log: log}
	if reg != nil {
		c.emitted = metrics.GetOrRegisterCounter("missclass/emitted_total", reg)
	}
	return c
}

// Classify handles one observed competitor LiquidationCall event,
// returning exactly one Record. The caller must
// call this for every observed LiquidationCall, including our own (the
// OurSigner check short-circuits to ClassOurs without consulting the
// stores).
func (c *Classifier) Classify(borrower, competitor common.Address, eventBlock uint64, eventTs time.Time) Record {
	defer func() {
		if c.emitted != nil {
			c.emitted.Inc(1)
		}
	}()

	if competitor == c.cfg.OurSigner {
		return Record{Borrower: borrower, Competitor: competitor, EventBlock: eventBlock, EventTimestamp: eventTs, Class: ClassOurs}
	}

	b, tracked := c.store.Get(borrower)
	defer c.store.ClearFirstSeen(borrower)

	if !tracked {
		return Record{Borrower: borrower, Competitor: competitor, EventBlock: eventBlock, EventTimestamp: eventTs, Class: ClassNotInWatchSet}
	}

	var blocksSince uint64
	if b.FirstSeenLiquidatableBlock > 0 && eventBlock >= b.FirstSeenLiquidatableBlock {
		blocksSince = eventBlock - b.FirstSeenLiquidatableBlock
	}

	decision, ok := c.log.MostRecent(borrower, eventTs, c.cfg.DecisionTTL)
	class := c.classifyFromDecision(decision, ok, blocksSince)

	return Record{
		Borrower:             borrower,
		Competitor:           competitor,
		EventBlock:           eventBlock,
		EventTimestamp:       eventTs,
		Class:                class,
		BlocksSinceFirstSeen: blocksSince,
	}
}

func (c *Classifier) classifyFromDecision(d types.ExecutionDecision, found bool, blocksSince uint64) Class {
	if !found {
		if blocksSince <= c.cfg.TransientBlocks {
			return ClassHFTransient
		}
		return ClassRaced
	}

	var class Class
	switch d.Kind {
	case types.DecisionAttempt:
		class = ClassRaced
	case types.DecisionRevert:
		class = ClassRevert
	case types.DecisionSkip:
		switch d.Reason {
		case types.SkipReasonProfit:
			class = ClassInsufficientProfit
		case types.SkipReasonGasOutbid:
			class = ClassGasOutbid
		case types.SkipReasonExecutionFiltered, types.SkipReasonHFRecovery, types.SkipReasonStalePrice:
			class = ClassExecutionFiltered
		default:
			class = ClassExecutionFiltered
		}
	default:
		class = ClassRaced
	}

	// Gas-outbid overlay: on attempt or skip{gas_*}, reclassify if our
	// recorded gas price was below the outbid threshold.
	if (d.Kind == types.DecisionAttempt || d.Kind == types.DecisionSkip) && c.cfg.GasOutbidThreshold > 0 && d.GasPriceGwei > 0 && d.GasPriceGwei < c.cfg.GasOutbidThreshold {
		class = ClassGasOutbid
	}

	return class
}
