// Package protocol implements the C6 protocol event loop: polling one or
// more on-chain clients for service-lifecycle events and translating them
// into the protocol-agnostic command set the supervisor understands
// (spec.md §4.6).
package protocol

import (
	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
)

// ChainKind names which heterogeneous chain a ProtocolClient talks to.
type ChainKind string

const (
	ChainSubstrate ChainKind = "substrate"
	ChainEVM       ChainKind = "evm"
)

// Event is the sum type spec.md §3 calls ProtocolEvent: every event,
// regardless of chain, exposes a block number so the loop can order and
// gap-check it uniformly.
type Event struct {
	Chain       ChainKind
	BlockNumber uint64
	Commands    []Command
}

// CommandKind discriminates the protocol-agnostic command set spec.md §4.6
// translates chain events into, following the same tagged-struct style as
// blueprint.Source rather than a sum type expressed through interfaces.
type CommandKind string

const (
	CmdServiceRegistered  CommandKind = "service_registered"
	CmdServiceTerminated  CommandKind = "service_terminated"
	CmdServiceUpdated     CommandKind = "service_updated"
	CmdJobSubmitted       CommandKind = "job_submitted"
	CmdJobResultSubmitted CommandKind = "job_result_submitted"
	// CmdRegistrationRequested triggers the C7 registration-mode hook
	// (spec.md §4.4 "Registration mode"): the descriptor's artifact is run
	// once with REGISTRATION_MODE=1 instead of becoming a supervised
	// deployment.
	CmdRegistrationRequested CommandKind = "registration_requested"
)

// Command is one dispatchable unit produced from a chain event. Only the
// fields relevant to Kind are populated.
type Command struct {
	Kind        CommandKind
	BlueprintID ids.BlueprintID
	ServiceID   ids.ServiceID
	Descriptor  *blueprint.Source // ServiceRegistered, ServiceUpdated, RegistrationRequested
	CallID      string            // JobSubmitted, JobResultSubmitted
	Payload     []byte            // JobSubmitted: opaque; not delivered over the bridge
	ResultBytes []byte            // JobResultSubmitted: observability only
}

// Instance returns the command's (blueprint_id, service_id) key.
func (c Command) Instance() ids.InstanceKey {
	return ids.InstanceKey{BlueprintID: c.BlueprintID, ServiceID: c.ServiceID}
}
