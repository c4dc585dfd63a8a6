package authentication

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Fault categorizes handshake failures so callers can branch on the kind of failure rather than
// the error string.
type Fault int

const (
	FaultNone           Fault = iota // No failure.
	FaultMalformedInput              // Wrong length or encoding at any layer.
	FaultBadSignature                // Ed25519 verification failed.
	FaultEchoMismatch                // An echoed IdentityMessage differs from the one sent.
	FaultProtocolState               // Event arrived out of sequence or on a finished session.
	FaultReplayedNonce               // A ReplayFilter has seen the (public key, nonce) pair before.
)

var faultNames = map[Fault]string{
	FaultNone:           "FAULT_NONE",
	FaultMalformedInput: "FAULT_MALFORMED_INPUT",
	FaultBadSignature:   "FAULT_BAD_SIGNATURE",
	FaultEchoMismatch:   "FAULT_ECHO_MISMATCH",
	FaultProtocolState:  "FAULT_PROTOCOL_STATE",
	FaultReplayedNonce:  "FAULT_REPLAYED_NONCE",
}

func (f Fault) String() string {
	if name, ok := faultNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FAULT_%d", int(f))
}

// faultString returns a CamelCase error string for f.
func faultString(f Fault) string {
	// "FAULT_ECHO_MISMATCH" -> "EchoMismatch"
	const prefix = "FAULT_"
	allCaps := f.String()[len(prefix)-1:]
	camelCase := make([]rune, 0, len(allCaps))
	lowerCaseNext := false
	for _, b := range allCaps {
		if b == '_' {
			lowerCaseNext = false
		} else {
			if lowerCaseNext {
				camelCase = append(camelCase, unicode.ToLower(b))
			} else {
				camelCase = append(camelCase, b)
				lowerCaseNext = true
			}
		}
	}
	return string(camelCase)
}

// Error represents a handshake-layer error.
type Error struct {
	Fault Fault
	Info  string
}

func newError(fault Fault, info string) error {
	return &Error{fault, info}
}

func newErrorf(fault Fault, format string, a ...interface{}) error {
	return &Error{fault, fmt.Sprintf(format, a...)}
}

func (e *Error) Error() string {
	if e.Info == "" {
		return faultString(e.Fault)
	}
	return fmt.Sprintf("%s: %s", faultString(e.Fault), e.Info)
}

// Is reports whether target is an *Error with the same Fault, which allows
// errors.Is(err, ErrBadSignature) regardless of the Info string.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Fault == e.Fault
}

var (
	ErrMalformedInput = newError(FaultMalformedInput, "")
	ErrBadSignature   = newError(FaultBadSignature, "")
	ErrEchoMismatch   = newError(FaultEchoMismatch, "")
	ErrProtocolState  = newError(FaultProtocolState, "")
	ErrReplayedNonce  = newError(FaultReplayedNonce, "")
)

// FaultOf returns the Fault carried by err, FaultNone if err is nil, and FaultProtocolState for
// errors that did not originate in this package.
func FaultOf(err error) Fault {
	if err == nil {
		return FaultNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Fault
	}
	return FaultProtocolState
}

// Verdict is the structured outcome of a handshake. String formatting is left to callers; the
// String method only provides the conventional rendering.
type Verdict struct {
	Fault Fault
	Info  string
}

// VerdictOf converts an error returned by a step function into a Verdict.
func VerdictOf(err error) Verdict {
	if err == nil {
		return Verdict{}
	}
	var e *Error
	if errors.As(err, &e) {
		return Verdict{Fault: e.Fault, Info: e.Info}
	}
	return Verdict{Fault: FaultProtocolState, Info: err.Error()}
}

func (v Verdict) OK() bool {
	return v.Fault == FaultNone
}

// Err returns nil for a successful Verdict and an *Error otherwise.
func (v Verdict) Err() error {
	if v.OK() {
		return nil
	}
	return &Error{v.Fault, v.Info}
}

// ParseVerdict inverts Verdict.String. Strings that do not start with a known fault name are
// treated as FaultProtocolState with s as the info.
func ParseVerdict(s string) Verdict {
	if s == "OK" {
		return Verdict{}
	}
	name, info, _ := strings.Cut(s, ": ")
	for fault := range faultNames {
		if fault != FaultNone && faultString(fault) == name {
			return Verdict{Fault: fault, Info: info}
		}
	}
	return Verdict{Fault: FaultProtocolState, Info: s}
}

func (v Verdict) String() string {
	if v.OK() {
		return "OK"
	}
	return v.Err().Error()
}
