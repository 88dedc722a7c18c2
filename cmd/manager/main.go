// Package main is the entry point for the Blueprint Manager process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/config"
	"github.com/Bidon15/blueprint-manager/internal/manager"
	"github.com/Bidon15/blueprint-manager/internal/protocol"
	"github.com/Bidon15/blueprint-manager/internal/runtime"
	"github.com/Bidon15/blueprint-manager/internal/shutdown"
)

const (
	exitClean        = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.toml")
	flag.Parse()

	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		return exitConfigError
	}

	restartPolicy, err := restartPolicyFromConfig(cfg.DefaultRestartPolicy)
	if err != nil {
		logger.Error("config validation failed", "err", err)
		return exitConfigError
	}

	clients, err := protocolClients(cfg.Protocols, logger)
	if err != nil {
		logger.Error("protocol client construction failed", "err", err)
		return exitConfigError
	}

	mgr, err := manager.New(manager.Config{
		Logger:               logger,
		DataDir:              cfg.DataDir,
		CacheDir:             cfg.CacheDir,
		RuntimeDir:           cfg.RuntimeDir,
		KeystoreURI:          cfg.KeystoreURI,
		ChainEndpoints:       chainEndpoints(cfg.Protocols),
		Submitter:            registrationSubmitter(clients),
		BridgeTimeout:        cfg.BridgeTimeout(),
		ReaperInterval:       cfg.ReaperInterval(),
		DefaultRestartPolicy: restartPolicy,
		HTTPAddr:             cfg.HTTP.Addr,
	}, runtime.NewNativeBackend(logger, 10*time.Second))
	if err != nil {
		logger.Error("manager init failed", "err", err)
		return exitRuntimeError
	}
	defer mgr.Close()
	loop := protocol.NewLoop(mgr, logger, clients...)
	mgr.AddProtocolLoop(loop)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() {
		runDone <- mgr.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("manager: shutdown signal received")

	loopDone := make(chan struct{})
	go func() {
		<-runDone
		close(loopDone)
	}()

	coordinator := shutdown.New(shutdown.Config{Logger: logger})
	noopCancel := func() {}
	coordinator.Shutdown(noopCancel, loopDone, mgr.Instances(), mgr.Reaper())

	select {
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("manager: supervision tree exited with error", "err", err)
			return exitRuntimeError
		}
	case <-time.After(time.Second):
	}

	logger.Info("manager: clean shutdown complete")
	return exitClean
}

func restartPolicyFromConfig(rc config.RestartPolicyConfig) (blueprint.RestartPolicy, error) {
	kind := blueprint.RestartKind(rc.Kind)
	if kind == "" {
		kind = blueprint.RestartOnFailure
	}
	switch kind {
	case blueprint.RestartNever, blueprint.RestartOnFailure, blueprint.RestartAlways:
	default:
		return blueprint.RestartPolicy{}, fmt.Errorf("unknown restart policy kind %q", rc.Kind)
	}
	return blueprint.RestartPolicy{Kind: kind, Max: rc.Max, BackoffMs: rc.BackoffMs}, nil
}

// chainEndpoints picks the single HTTP/WS RPC pair every spawned instance's
// env carries (spec.md §6: HTTP_RPC_ENDPOINT, WS_RPC_ENDPOINT — one pair,
// not one per configured protocol). The first configured protocol wins;
// deployments that need a different chain's endpoint per blueprint are out
// of scope here (see DESIGN.md).
func chainEndpoints(protocols []config.ProtocolConfig) map[string]string {
	out := make(map[string]string, 2)
	for _, p := range protocols {
		if p.HTTPRPC != "" {
			out["http_rpc"] = p.HTTPRPC
		}
		if p.WSRPC != "" {
			out["ws_rpc"] = p.WSRPC
		}
		break
	}
	return out
}

// protocolClients builds one protocol.Client per configured protocol entry.
// Substrate entries are logged and skipped: no Substrate RPC SDK is wired
// into this build (see DESIGN.md), so there is no SubstrateBlockSource to
// construct one from.
func protocolClients(protocols []config.ProtocolConfig, logger *slog.Logger) ([]protocol.Client, error) {
	var clients []protocol.Client
	for _, p := range protocols {
		switch p.Kind {
		case "tangle-evm":
			contract, ok := p.Contracts["registry"]
			if !ok {
				return nil, fmt.Errorf("protocol %q: missing contracts.registry address", p.Kind)
			}
			client, err := protocol.NewEVMClient(context.Background(), p.HTTPRPC, common.HexToAddress(contract), 0, noopLogTranslator(logger), logger)
			if err != nil {
				return nil, fmt.Errorf("protocol %q: %w", p.Kind, err)
			}
			clients = append(clients, client)
		case "tangle-substrate":
			logger.Warn("protocol: skipping tangle-substrate client, no Substrate SDK wired into this build", "http_rpc", p.HTTPRPC)
		default:
			return nil, fmt.Errorf("unknown protocol kind %q", p.Kind)
		}
	}
	return clients, nil
}

// registrationSubmitter picks the first configured client that also
// implements protocol.Submitter, for forwarding C7 registration payloads
// (spec.md §4.4). Returns nil if none do, which manager.Manager.Register
// treats as "collect but don't submit".
func registrationSubmitter(clients []protocol.Client) protocol.Submitter {
	for _, c := range clients {
		if s, ok := c.(protocol.Submitter); ok {
			return s
		}
	}
	return nil
}

// noopLogTranslator logs every raw log for operator visibility without
// decoding an ABI this build has no concrete event layout for (spec.md
// Non-goals: no signature verification of payloads). A deployment with a
// real registry contract supplies its own translator built from that
// contract's event signatures.
func noopLogTranslator(logger *slog.Logger) protocol.LogTranslator {
	return func(l types.Log) ([]protocol.Command, error) {
		logger.Debug("protocol: evm log observed, no translator wired", "address", l.Address, "block", l.BlockNumber, "tx", l.TxHash)
		return nil, nil
	}
}
