package clock

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/fenwick-labs/liquidator/iface"
)

// NewHeadEvent is published on every canonical head advance.
type NewHeadEvent struct {
	Header iface.BlockHeader
}

// ReorgEvent is published when the chain reorgs back to CommonAncestor.
type ReorgEvent struct {
	CommonAncestor uint64
}

// BlockFeed fans a single upstream iface.BlockFeed out to many internal
// subscribers via event.Feed, the same pattern go-ethereum's transaction
// pool uses for SubscribeChainHeadEvent/SubscribeNewReorgEvent: one
// upstream reader, many independent downstream consumers, each able to
// unsubscribe without affecting the others.
type BlockFeed struct {
	upstream iface.BlockFeed
	log      log.Logger

	headFeed  event.Feed
	reorgFeed event.Feed

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewBlockFeed wraps an upstream feed. Run must be called once to start
// pumping events before any subscriber sees anything.
func NewBlockFeed(upstream iface.BlockFeed, logger log.Logger) *BlockFeed {
	if logger == nil {
		logger = log.Root()
	}
	return &BlockFeed{upstream: upstream, log: logger}
}

// SubscribeNewHead subscribes to canonical head advances.
func (f *BlockFeed) SubscribeNewHead(ch chan<- NewHeadEvent) event.Subscription {
	return f.headFeed.Subscribe(ch)
}

// SubscribeReorg subscribes to reorg notifications.
func (f *BlockFeed) SubscribeReorg(ch chan<- ReorgEvent) event.Subscription {
	return f.reorgFeed.Subscribe(ch)
}

// Run pumps the upstream feed until ctx is canceled. It is safe to call
// at most once; calling it twice is a programmer error.
func (f *BlockFeed) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	f.running = true
	f.cancel = cancel
	f.mu.Unlock()

	heads, reorgs, err := f.upstream.Subscribe(ctx)
	if err != nil {
		return err
	}

	var lastNumber uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h, ok := <-heads:
			if !ok {
				return nil
			}
			if lastNumber != 0 && h.Number > lastNumber+1 {
				// Upstream skipped block numbers; downstream consumers
				// must treat the first head after a gap as a resume
				// point, so make the gap visible rather than silent.
				f.log.Warn("head gap observed", "from", lastNumber, "to", h.Number, "missed", h.Number-lastNumber-1)
			}
			lastNumber = h.Number
			f.log.Debug("new head", "number", h.Number, "hash", h.Hash)
			f.headFeed.Send(NewHeadEvent{Header: h})
		case ancestor, ok := <-reorgs:
			if !ok {
				return nil
			}
			f.log.Warn("chain reorg observed", "commonAncestor", ancestor)
			f.reorgFeed.Send(ReorgEvent{CommonAncestor: ancestor})
		}
	}
}

// Stop cancels the running pump loop, if any.
func (f *BlockFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	f.running = false
}
