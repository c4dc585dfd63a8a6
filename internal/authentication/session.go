package authentication

import "fmt"

// State of a handshake Session.
type State int

const (
	StateStart State = iota
	StateAwaitingPeerIdentity
	StateAwaitingResponderReply
	StatePeerIdentityVerified
	StateAwaitingFinalEcho
	StateSuccess
	StateFailed
)

var stateNames = map[State]string{
	StateStart:                  "Start",
	StateAwaitingPeerIdentity:   "AwaitingPeerIdentity",
	StateAwaitingResponderReply: "AwaitingResponderReply",
	StatePeerIdentityVerified:   "PeerIdentityVerified",
	StateAwaitingFinalEcho:      "AwaitingFinalEcho",
	StateSuccess:                "Success",
	StateFailed:                 "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal returns true for Success and Failed.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Role distinguishes the two ends of a handshake.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// A Session holds the state of a single handshake attempt. Sessions are created by an Initiator
// or Responder and are only mutated by that peer's step functions. A Session is not safe for
// concurrent use; each one belongs to exactly one logical handshake.
type Session struct {
	role  Role
	state State

	// own is the IdentityMessage this side generated (and the peer must echo).
	own IdentityMessage
	// peerIdentity is the IdentityMessage received from the peer (and echoed back to it).
	peerIdentity IdentityMessage
	peerKey      PublicKey
	peerKnown    bool

	verdict Verdict
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) State() State {
	return s.state
}

// OwnIdentity returns the IdentityMessage generated for this session.
func (s *Session) OwnIdentity() IdentityMessage {
	return s.own
}

// Nonce returns the nonce generated for this session.
func (s *Session) Nonce() Nonce {
	return s.own.Nonce()
}

// PeerPublicKey returns the peer's public key. The key is only available (ok = true) once its
// signatures have been verified.
func (s *Session) PeerPublicKey() (key PublicKey, ok bool) {
	return s.peerKey, s.peerKnown
}

// PeerNonce returns the nonce from the peer's verified IdentityMessage.
func (s *Session) PeerNonce() (nonce Nonce, ok bool) {
	return s.peerIdentity.Nonce(), s.peerKnown
}

// Verdict returns the outcome of the session. The Verdict of a session that has not reached a
// terminal state is a FaultProtocolState error.
func (s *Session) Verdict() Verdict {
	if !s.state.Terminal() {
		return Verdict{Fault: FaultProtocolState, Info: fmt.Sprintf("handshake pending in state %s", s.state)}
	}
	return s.verdict
}

// Discard wipes the session's contents. A session discarded before reaching a terminal state is
// Failed; finished sessions keep their verdict.
func (s *Session) Discard() {
	wipe(s.own[:])
	wipe(s.peerIdentity[:])
	wipe(s.peerKey[:])
	s.peerKnown = false
	if !s.state.Terminal() {
		s.fail(newError(FaultProtocolState, "session abandoned"))
	}
}

// Abort fails the session with err, typically because the transport could not deliver a complete
// message. Sessions that already finished are not changed. Returns err.
func (s *Session) Abort(err error) error {
	if s.state.Terminal() {
		return err
	}
	return s.fail(err)
}

// expect returns a FaultProtocolState error unless s is in state. Sessions that have not yet
// finished are failed; finished sessions keep their verdict.
func (s *Session) expect(state State) error {
	if s.state == state {
		return nil
	}
	err := newErrorf(FaultProtocolState, "unexpected message in state %s", s.state)
	if s.state.Terminal() {
		return err
	}
	return s.fail(err)
}

// fail moves s to StateFailed and records err as the verdict. Returns err for convenience.
// A session that already failed keeps its original verdict.
func (s *Session) fail(err error) error {
	if s.state != StateFailed {
		s.verdict = VerdictOf(err)
		s.state = StateFailed
		s.peerKnown = false
	}
	return err
}

func (s *Session) succeed() {
	s.state = StateSuccess
	s.verdict = Verdict{}
}
