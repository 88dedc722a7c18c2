package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
)

// LogTranslator turns one raw EVM log into zero or more protocol-agnostic
// Commands. The core does not decode or verify contract ABIs itself (spec.md
// Non-goals: no signature verification); callers supply a translator wired
// to their own blueprint registry contract's event layout.
type LogTranslator func(log types.Log) ([]Command, error)

// EVMClient polls an EVM chain for blueprint registry events via
// ethclient.Client, wrapped in a circuit breaker so a flaky RPC endpoint
// degrades to fast failures instead of hanging the event loop.
type EVMClient struct {
	Logger     *slog.Logger
	translate  LogTranslator
	contract   common.Address
	client     *ethclient.Client
	breaker    *gobreaker.CircuitBreaker
	gap        *gapTracker
	nextBlock  *big.Int
	pollEvery  time.Duration
}

// NewEVMClient dials httpRPC and starts polling for logs emitted by
// contract starting at fromBlock.
func NewEVMClient(ctx context.Context, httpRPC string, contract common.Address, fromBlock uint64, translate LogTranslator, logger *slog.Logger) (*EVMClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl, err := ethclient.DialContext(ctx, httpRPC)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial evm rpc %s: %w", httpRPC, err)
	}

	cbSettings := gobreaker.Settings{
		Name:    "evm-rpc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	return &EVMClient{
		Logger:    logger,
		translate: translate,
		contract:  contract,
		client:    cl,
		breaker:   gobreaker.NewCircuitBreaker(cbSettings),
		gap:       newGapTracker(ChainEVM),
		nextBlock: new(big.Int).SetUint64(fromBlock),
		pollEvery: 3 * time.Second,
	}, nil
}

func (c *EVMClient) Chain() ChainKind { return ChainEVM }

// NextEvent blocks until the chain head reaches c.nextBlock, then
// returns every log in that block translated into Commands.
func (c *EVMClient) NextEvent(ctx context.Context) (Event, error) {
	for {
		head, err := c.breakerCall(ctx, func(ctx context.Context) (any, error) {
			return c.client.HeaderByNumber(ctx, nil)
		})
		if err != nil {
			return Event{}, fmt.Errorf("protocol: evm head: %w", err)
		}
		header := head.(*types.Header)
		if header.Number.Cmp(c.nextBlock) < 0 {
			select {
			case <-ctx.Done():
				return Event{}, ctx.Err()
			case <-time.After(c.pollEvery):
				continue
			}
		}

		target := new(big.Int).Set(c.nextBlock)
		logsAny, err := c.breakerCall(ctx, func(ctx context.Context) (any, error) {
			return c.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: target,
				ToBlock:   target,
				Addresses: []common.Address{c.contract},
			})
		})
		if err != nil {
			return Event{}, fmt.Errorf("protocol: evm filter logs at %s: %w", target, err)
		}
		logs := logsAny.([]types.Log)

		if err := c.gap.Check(target.Uint64()); err != nil {
			return Event{}, err
		}

		var cmds []Command
		for _, l := range logs {
			translated, err := c.translate(l)
			if err != nil {
				return Event{}, fmt.Errorf("protocol: translate evm log at block %d: %w", target.Uint64(), err)
			}
			cmds = append(cmds, translated...)
		}

		c.nextBlock = new(big.Int).Add(target, big.NewInt(1))
		return Event{Chain: ChainEVM, BlockNumber: target.Uint64(), Commands: cmds}, nil
	}
}

func (c *EVMClient) breakerCall(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	return c.breaker.Execute(func() (any, error) { return fn(ctx) })
}

func (c *EVMClient) Close() error {
	c.client.Close()
	return nil
}
