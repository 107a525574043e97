// Package xerr declares the sentinel error kinds the pipeline branches on.
// Components wrap these with fmt.Errorf("%w: ...", xerr.RpcTransient) so
// callers can test with errors.Is instead of matching strings.
package xerr

import "errors"

var (
	// RpcTransient marks an RPC failure worth retrying (timeout, rate
	// limit, connection reset).
	RpcTransient = errors.New("rpc transient error")
	// RpcPermanent marks an RPC failure that retrying will not fix
	// (malformed call, unsupported method).
	RpcPermanent = errors.New("rpc permanent error")
	// OnChainRevert marks a submitted transaction that reverted on-chain.
	OnChainRevert = errors.New("on-chain revert")
	// BudgetExceeded marks work refused because the HF Verifier's per-block
	// call budget is spent.
	BudgetExceeded = errors.New("verification call budget exceeded")
	// StalePrice marks an oracle read older than the configured staleness
	// bound.
	StalePrice = errors.New("stale oracle price")
	// InvalidPlan marks an execution decision that failed local
	// validation before submission (e.g. zero repay amount).
	InvalidPlan = errors.New("invalid execution plan")
	// Reorg marks that a block reorg invalidated in-flight state; callers
	// should discard any decision built against the old chain head.
	Reorg = errors.New("chain reorg invalidated state")
	// ShutdownRequested marks a voluntary stop, not a failure.
	ShutdownRequested = errors.New("shutdown requested")
)
