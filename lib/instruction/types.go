// Package instruction defines the typed messages exchanged between Core
// and a plugin, and their CBOR encoding.
//
// This file contains the Instruction envelope and its kinds. Payloads are
// opaque bytes at this layer; protocol.go holds the structured payloads
// that higher layers (account management, conversation sync) agree on.
package instruction

import "fmt"

// Kind identifies the variant carried by an Instruction.
type Kind uint8

const (
	KindInit      Kind = 0x01 // plugin -> core, once, carries InitData
	KindRequest   Kind = 0x02 // core -> plugin, expects a response
	KindResponse  Kind = 0x03 // plugin -> core, answers a request by ID
	KindEvent     Kind = 0x04 // plugin -> core, unsolicited payload
	KindKeepalive Kind = 0x05 // both directions, echoed by ID
	KindError     Kind = 0x06 // plugin -> core, failure not tied to a request
	KindShutdown  Kind = 0x07 // core -> plugin, stop accepting work
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindKeepalive:
		return "keepalive"
	case KindError:
		return "error"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindInit && k <= KindShutdown
}

// Instruction is the envelope of every frame body. Only the fields that
// belong to Kind are set; the codec rejects instructions whose required
// fields are missing.
type Instruction struct {
	Kind Kind `cbor:"kind"`

	// ID is the request ID for request/response, the keepalive number for
	// keepalive. Zero otherwise.
	ID uint64 `cbor:"id,omitempty"`

	// Op names the operation of a request.
	Op Operation `cbor:"op,omitempty"`

	// OK is set on successful responses. A response with OK false
	// carries Error.
	OK bool `cbor:"ok,omitempty"`

	// Error is the plugin's message for failed responses and error
	// instructions.
	Error string `cbor:"error,omitempty"`

	// Payload is opaque to the broker.
	Payload []byte `cbor:"payload,omitempty"`

	// Init is set on init instructions only.
	Init *InitData `cbor:"init,omitempty"`
}

// Init builds an init instruction.
func Init(data InitData) Instruction {
	return Instruction{Kind: KindInit, Init: &data}
}

// Request builds a request instruction.
func Request(id uint64, op Operation, payload []byte) Instruction {
	return Instruction{Kind: KindRequest, ID: id, Op: op, Payload: payload}
}

// Response builds a successful response.
func Response(id uint64, payload []byte) Instruction {
	return Instruction{Kind: KindResponse, ID: id, OK: true, Payload: payload}
}

// ErrorResponse builds a failed response.
func ErrorResponse(id uint64, message string) Instruction {
	return Instruction{Kind: KindResponse, ID: id, Error: message}
}

// Event builds an event instruction.
func Event(payload []byte) Instruction {
	return Instruction{Kind: KindEvent, Payload: payload}
}

// Keepalive builds a keepalive or its reply.
func Keepalive(id uint64) Instruction {
	return Instruction{Kind: KindKeepalive, ID: id}
}

// Failure builds a plugin-level error instruction.
func Failure(message string) Instruction {
	return Instruction{Kind: KindError, Error: message}
}

// Shutdown builds a shutdown instruction.
func Shutdown() Instruction {
	return Instruction{Kind: KindShutdown}
}
