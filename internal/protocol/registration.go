package protocol

import (
	"fmt"

	"github.com/Bidon15/blueprint-manager/internal/ids"
)

// RegistrationPayload carries the opaque bytes a blueprint writes during a
// registration-mode run for on-chain submission (spec.md §3, §4.4
// "Registration mode"). The core never interprets Bytes; it only reads them
// from disk and hands them to a Client for submission.
type RegistrationPayload struct {
	Path  string
	Bytes []byte
}

// RegistrationPath is the fixed staging path a registration-mode child
// writes its output to (spec.md §4.4).
func RegistrationPath(dataDir string, id ids.BlueprintID, nonce string) string {
	return fmt.Sprintf("%s/blueprint-%d-%s/registration_inputs.bin", dataDir, id, nonce)
}

// Submitter submits a RegistrationPayload to its chain. EVMClient implements
// this alongside Client, since submission is not part of the event-polling
// loop itself; SubstrateClient does not implement it.
type Submitter interface {
	SubmitRegistration(payload RegistrationPayload, blueprintID ids.BlueprintID) error
}

// SubmitRegistration is not implemented for EVMClient: the core's scope
// stops at reading the payload bytes and forwarding them (spec.md Non-goals
// exclude payload signature verification and submission transaction
// construction); callers needing real submission supply their own Submitter.
func (c *EVMClient) SubmitRegistration(payload RegistrationPayload, blueprintID ids.BlueprintID) error {
	return fmt.Errorf("protocol: registration submission is not implemented by the core; wire a Submitter")
}
