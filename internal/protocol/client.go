package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Client is one on-chain event source. NextEvent blocks until the next
// event is available, ctx is cancelled, or the client is permanently
// exhausted (err wraps ErrClientClosed).
type Client interface {
	Chain() ChainKind
	NextEvent(ctx context.Context) (Event, error)
	Close() error
}

// ErrClientClosed is returned by NextEvent once a client will never produce
// another event.
var ErrClientClosed = errors.New("protocol: client closed")

// ErrBlockGap is the fatal condition spec.md §4.6 describes: "a gap in
// block numbers from a single client is a fatal condition (chain reorg past
// a processed event), logged and surfaced but not silently skipped."
type ErrBlockGap struct {
	Chain    ChainKind
	Last     uint64
	Received uint64
}

func (e *ErrBlockGap) Error() string {
	return fmt.Sprintf("protocol: %s block gap: last processed %d, received %d", e.Chain, e.Last, e.Received)
}

func newGapTracker(chain ChainKind) *gapTracker {
	return &gapTracker{chain: chain}
}

// gapTracker enforces strictly non-decreasing block numbers per client,
// independently of other clients (spec.md §4.6: resilient to out-of-order
// delivery *between* clients, not within one).
type gapTracker struct {
	chain    ChainKind
	lastSeen uint64
	seenAny  bool
}

// Check records blockNumber as processed and returns *ErrBlockGap if it
// regresses past what this tracker already saw. Equal-or-increasing block
// numbers, including repeats within the same block, are permitted.
func (g *gapTracker) Check(blockNumber uint64) error {
	if g.seenAny && blockNumber < g.lastSeen {
		return &ErrBlockGap{Chain: g.chain, Last: g.lastSeen, Received: blockNumber}
	}
	g.lastSeen = blockNumber
	g.seenAny = true
	return nil
}
