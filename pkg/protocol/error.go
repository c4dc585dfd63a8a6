package protocol

import (
	"context"
	"errors"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/pkg/connector"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition, such as a
	// peer that is still booting or a dropped link. Handshake failures are never temporary.
	Temporary() bool
}

// Fault categorizes handshake failures.
type Fault = authentication.Fault

const (
	FaultNone           = authentication.FaultNone
	FaultMalformedInput = authentication.FaultMalformedInput
	FaultBadSignature   = authentication.FaultBadSignature
	FaultEchoMismatch   = authentication.FaultEchoMismatch
	FaultProtocolState  = authentication.FaultProtocolState
	FaultReplayedNonce  = authentication.FaultReplayedNonce
)

// Verdict is the outcome of a handshake.
type Verdict = authentication.Verdict

var (
	// ErrNotConnected indicates the peer could not be reached.
	ErrNotConnected = NewError("peer not connected", true)
	// ErrRequiresKey indicates a client tried to run a handshake without a private key.
	ErrRequiresKey = NewError("no private key available", false)
	// ErrInvalidPublicKey indicates a client tried to perform an operation with an invalid public
	// key. Public keys are 32-byte Ed25519 keys.
	ErrInvalidPublicKey = authentication.ErrInvalidPublicKey
	// ErrPeerKeyChanged indicates a peer completed a handshake with a key other than the one
	// previously trusted under the same name.
	ErrPeerKeyChanged = errors.New("peer public key changed unexpectedly")
	// ErrUnknownPeer indicates a peer name has no trusted key.
	ErrUnknownPeer = errors.New("no trusted key for peer")

	ErrMalformedInput = authentication.ErrMalformedInput
	ErrBadSignature   = authentication.ErrBadSignature
	ErrEchoMismatch   = authentication.ErrEchoMismatch
	ErrProtocolState  = authentication.ErrProtocolState
	ErrReplayedNonce  = authentication.ErrReplayedNonce
)

type TransportError struct {
	Err               error
	PossibleTemporary bool
}

func NewError(message string, temporary bool) error {
	return &TransportError{Err: errors.New(message), PossibleTemporary: temporary}
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.PossibleTemporary
}

// FaultOf returns the handshake Fault carried by err.
func FaultOf(err error) Fault {
	return authentication.FaultOf(err)
}

// IsHandshakeError returns true if err reports a failed verification step rather than a problem
// delivering messages.
func IsHandshakeError(err error) bool {
	var e *authentication.Error
	return errors.As(err, &e)
}

// Temporary returns true if err indicates the handshake failed due to possibly transient conditions
// that do not require user action to resolve.
func Temporary(err error) bool {
	if err == nil || IsHandshakeError(err) {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, connector.ErrClosed)
}

// ShouldRetry returns true if the client should start a new handshake after err. A failed
// verification is never retried.
func ShouldRetry(err error) bool {
	return Temporary(err)
}
