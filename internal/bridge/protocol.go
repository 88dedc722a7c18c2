// Package bridge implements the C2 manager<->service control-plane bridge:
// one small RPC server per running instance, reachable over AF_UNIX
// (native, container) or AF_VSOCK (microVM), answering exactly two methods
// (spec.md §6): Ping and RequestPort.
package bridge

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// wireVersion is the out-of-band schema version sent as the first byte of
// every connection, ahead of any framed message (spec.md §6 "Out-of-band
// schema versioning via an initial byte").
const wireVersion byte = 1

// Method identifies which of the bridge's two RPCs an envelope carries.
type Method string

const (
	MethodPing        Method = "ping"
	MethodRequestPort Method = "request_port"
)

// envelope is the framed unit exchanged in both directions: a method name
// plus a CBOR-encoded payload whose shape depends on the method.
type envelope struct {
	Method  Method `cbor:"method"`
	Payload []byte `cbor:"payload"`
}

// RequestPortArgs is the payload of a RequestPort call.
type RequestPortArgs struct {
	Preferred uint32 `cbor:"preferred"`
}

// RequestPortReply is the payload of a RequestPort reply.
type RequestPortReply struct {
	Port uint32 `cbor:"port"`
}

// errReply carries a failed call's message back to the caller.
type errReply struct {
	Message string `cbor:"message"`
}

const maxFrameSize = 1 << 20 // 1 MiB, generous for a two-method protocol

func writeFrame(w io.Writer, env envelope) error {
	buf, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: encode frame: %w", err)
	}
	if len(buf) > maxFrameSize {
		return fmt.Errorf("bridge: frame too large: %d bytes", len(buf))
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("bridge: write frame length: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bridge: write frame body: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("bridge: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return envelope{}, fmt.Errorf("bridge: read frame body: %w", err)
	}
	var env envelope
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return envelope{}, fmt.Errorf("bridge: decode frame: %w", err)
	}
	return env, nil
}

func decodePayload(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("bridge: decode payload: %w", err)
	}
	return nil
}

func encodePayload(v any) []byte {
	b, err := cbor.Marshal(v)
	if err != nil {
		// All payload types are fixed, known structs; a marshal failure here
		// means a programming error, not a runtime condition.
		panic(fmt.Sprintf("bridge: marshal payload: %v", err))
	}
	return b
}
