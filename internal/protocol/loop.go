package protocol

import (
	"context"
	"errors"
	"log/slog"
)

// Dispatcher is the supervisor-facing side of the event loop: each Command
// kind maps to one supervisor call (spec.md §4.6's translation table).
type Dispatcher interface {
	Spawn(ctx context.Context, cmd Command) error
	Stop(ctx context.Context, cmd Command) error
	Update(ctx context.Context, cmd Command) error
	// ForwardJob handles a JobSubmitted command for a running blueprint; the
	// core never inspects Payload. Manager's implementation checks that the
	// instance is live and logs the call; it does not deliver Payload over
	// the bridge.
	ForwardJob(ctx context.Context, cmd Command) error
	// ObserveJobResult is called for JobResultSubmitted, which spec.md
	// §4.6 marks observability-only: no supervisor state changes.
	ObserveJobResult(ctx context.Context, cmd Command)
	// Register runs the C7 registration-mode hook for RegistrationRequested:
	// no persistent deployment is created (spec.md §4.4, P7).
	Register(ctx context.Context, cmd Command) error
}

// Loop is the single-threaded cooperative scheduler described in spec.md
// §4.6/§5: it processes events strictly in block-number order per client,
// with no ordering guarantee across clients.
type Loop struct {
	Logger     *slog.Logger
	Dispatcher Dispatcher
	clients    []Client
}

// NewLoop builds a Loop over the given clients.
func NewLoop(dispatcher Dispatcher, logger *slog.Logger, clients ...Client) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{Logger: logger, Dispatcher: dispatcher, clients: clients}
}

// Run drives every client concurrently, serializing command dispatch
// through a single channel so commands are applied one at a time even
// though NextEvent calls happen in parallel across clients.
func (l *Loop) Run(ctx context.Context) error {
	events := make(chan clientEvent)
	done := make(chan error, len(l.clients))

	for _, c := range l.clients {
		go l.pump(ctx, c, events, done)
	}

	active := len(l.clients)
	for active > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ce := <-events:
			l.dispatchEvent(ctx, ce.event)
		case err := <-done:
			active--
			if err != nil && !errors.Is(err, context.Canceled) {
				l.Logger.Error("protocol: client loop exited with error", "err", err)
			}
		}
	}
	return nil
}

type clientEvent struct {
	event Event
}

func (l *Loop) pump(ctx context.Context, c Client, events chan<- clientEvent, done chan<- error) {
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
				done <- nil
				return
			}
			var gapErr *ErrBlockGap
			if errors.As(err, &gapErr) {
				l.Logger.Error("protocol: fatal block gap detected", "chain", gapErr.Chain, "last", gapErr.Last, "received", gapErr.Received)
			}
			done <- err
			return
		}
		select {
		case events <- clientEvent{event: ev}:
		case <-ctx.Done():
			done <- ctx.Err()
			return
		}
	}
}

func (l *Loop) dispatchEvent(ctx context.Context, ev Event) {
	for _, cmd := range ev.Commands {
		l.dispatchCommand(ctx, cmd)
	}
}

func (l *Loop) dispatchCommand(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Kind {
	case CmdServiceRegistered:
		err = l.Dispatcher.Spawn(ctx, cmd)
	case CmdServiceTerminated:
		err = l.Dispatcher.Stop(ctx, cmd)
	case CmdServiceUpdated:
		err = l.Dispatcher.Update(ctx, cmd)
	case CmdJobSubmitted:
		err = l.Dispatcher.ForwardJob(ctx, cmd)
	case CmdRegistrationRequested:
		err = l.Dispatcher.Register(ctx, cmd)
	case CmdJobResultSubmitted:
		l.Dispatcher.ObserveJobResult(ctx, cmd)
		return
	default:
		l.Logger.Warn("protocol: unknown command kind", "kind", cmd.Kind)
		return
	}
	if err != nil {
		l.Logger.Error("protocol: dispatch failed", "kind", cmd.Kind, "instance", cmd.Instance(), "err", err)
	}
}
