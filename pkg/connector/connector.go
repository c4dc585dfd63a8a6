// Package connector defines how handshake messages move between peers.
//
// Peers exchange key/value string events. Binary handshake messages are base64 encoded and split
// into fixed-size chunks, each sent as its own event under the message's key; see ChunkEncode.
package connector

import (
	"context"
	"errors"
)

// BufferSize is the number of inbound events that can be queued.
const BufferSize = 16

// DefaultChunkSize is the number of base64 characters carried by a single event.
const DefaultChunkSize = 30

// Wire keys. Names are from the Responder's ("server") point of view; the Initiator is the
// "device".
const (
	KeyInitiatorIdentity = "deviceSignedDeviceMessage" // Step 1.
	KeyResponderIdentity = "serverSignedServerMessage" // Step 3a.
	KeyResponderEcho     = "serverSignedDeviceMessage" // Step 3b.
	KeyInitiatorEcho     = "deviceSignedServerMessage" // Step 5.
	KeyVerification      = "serverVerification"        // Final verdict on success.
	KeyError             = "error"                     // Final verdict on failure.

	// VerificationSuccess is the value sent under KeyVerification.
	VerificationSuccess = "SUCCESS"
)

var ErrClosed = errors.New("connector closed")

// Event is a single key/value message. Session identifies the handshake the event belongs to;
// connectors that carry exactly one handshake per connection may leave it empty.
type Event struct {
	Session string
	Key     string
	Value   string
}

//go:generate mockgen -source=connector.go -destination=../../mocks/connector.go -package=mocks -mock_names=Connector=Connector

// Connector sends and receives events.
type Connector interface {
	// Receive returns a read-only channel used to receive events sent by the peer. The channel is
	// closed when the connection terminates.
	//
	// Implementations must be thread safe.
	Receive() <-chan Event

	// Send sends an event to the peer.
	//
	// Implementations must be thread safe.
	Send(ctx context.Context, event Event) error

	// ChunkSize returns the maximum length of an event value carrying handshake data.
	ChunkSize() int

	// Close terminates the connection.
	//
	// Repeated calls to Close() must be idempotent, but the behavior of the interface is otherwise
	// undefined after calling this method.
	Close()
}

// SendChunked encodes message and sends it as a sequence of events under key.
func SendChunked(ctx context.Context, conn Connector, session, key string, message []byte) error {
	for chunk := range ChunkEncode(message, conn.ChunkSize()) {
		if err := conn.Send(ctx, Event{Session: session, Key: key, Value: chunk}); err != nil {
			return err
		}
	}
	return nil
}
