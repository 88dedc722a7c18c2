package protocol

import (
	"context"
	"fmt"
	"log/slog"
)

// SubstrateTranslator turns one raw Substrate block's extrinsics/events
// (opaque to the core — no SCALE codec is wired, see DESIGN.md) into
// Commands. Callers that need a working Substrate client supply both the
// block source and this translator; the core provides only the polling
// loop's shape, symmetric with EVMClient.
type SubstrateTranslator func(block SubstrateBlock) ([]Command, error)

// SubstrateBlock is the minimal shape the core needs from a Substrate RPC
// client: a block number and an opaque payload the translator knows how to
// decode.
type SubstrateBlock struct {
	Number uint64
	Raw    []byte
}

// SubstrateBlockSource fetches the next Substrate block past `after`. A real
// implementation would wrap a Substrate JSON-RPC client (chain_subscribeNewHeads
// plus state queries); none is wired here since no Substrate SDK exists
// anywhere in the pack this repo was built from.
type SubstrateBlockSource interface {
	NextBlock(ctx context.Context, after uint64) (SubstrateBlock, error)
}

// SubstrateClient polls a SubstrateBlockSource, structurally symmetric with
// EVMClient: same Client interface, same gap tracking, same translate-then-
// emit shape. It has no working transport of its own.
type SubstrateClient struct {
	Logger    *slog.Logger
	source    SubstrateBlockSource
	translate SubstrateTranslator
	gap       *gapTracker
	lastBlock uint64
}

// NewSubstrateClient builds a SubstrateClient starting after fromBlock.
func NewSubstrateClient(source SubstrateBlockSource, translate SubstrateTranslator, fromBlock uint64, logger *slog.Logger) *SubstrateClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubstrateClient{
		Logger:    logger,
		source:    source,
		translate: translate,
		gap:       newGapTracker(ChainSubstrate),
		lastBlock: fromBlock,
	}
}

func (c *SubstrateClient) Chain() ChainKind { return ChainSubstrate }

func (c *SubstrateClient) NextEvent(ctx context.Context) (Event, error) {
	block, err := c.source.NextBlock(ctx, c.lastBlock)
	if err != nil {
		return Event{}, fmt.Errorf("protocol: substrate next block: %w", err)
	}
	if err := c.gap.Check(block.Number); err != nil {
		return Event{}, err
	}
	cmds, err := c.translate(block)
	if err != nil {
		return Event{}, fmt.Errorf("protocol: translate substrate block %d: %w", block.Number, err)
	}
	c.lastBlock = block.Number
	return Event{Chain: ChainSubstrate, BlockNumber: block.Number, Commands: cmds}, nil
}

func (c *SubstrateClient) Close() error { return nil }
