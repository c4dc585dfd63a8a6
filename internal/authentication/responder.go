package authentication

// A Responder answers handshakes started by an Initiator (the "server" role). A Responder may
// serve many Initiators concurrently as long as each handshake uses its own Session.
type Responder struct {
	Peer
}

// ResponderReply holds the two step 3 messages. Identity causally precedes Echo in the reference
// ordering, but an Initiator must accept them in either order.
type ResponderReply struct {
	Identity *SignedMessage // Responder's IdentityMessage signed by the Responder.
	Echo     *SignedMessage // Initiator's IdentityMessage signed by the Responder.
}

func NewResponder(key PrivateKey, options ...Option) (*Responder, error) {
	peer, err := newPeer(key, options)
	if err != nil {
		return nil, err
	}
	return &Responder{Peer: peer}, nil
}

// NewSession creates a Session waiting for an Initiator's signed identity.
func (r *Responder) NewSession() *Session {
	return &Session{
		role:  RoleResponder,
		state: StateAwaitingPeerIdentity,
	}
}

// HandleIdentity verifies the step 1 message under the public key it contains, then trusts that
// key for the rest of the session and returns the step 3 messages.
func (r *Responder) HandleIdentity(s *Session, signed []byte) (*ResponderReply, error) {
	if err := checkRole(s, RoleResponder); err != nil {
		return nil, err
	}
	if err := s.expect(StateAwaitingPeerIdentity); err != nil {
		return nil, err
	}

	initiatorIdentity, err := ParseSignedMessage(signed)
	if err != nil {
		return nil, s.fail(err)
	}
	if err = initiatorIdentity.VerifySelf(); err != nil {
		return nil, s.fail(err)
	}
	if err = r.checkReplay(initiatorIdentity.Message); err != nil {
		return nil, s.fail(err)
	}

	s.peerIdentity = initiatorIdentity.Message
	s.peerKey = initiatorIdentity.Message.PublicKey()
	s.peerKnown = true
	s.state = StatePeerIdentityVerified

	identity, err := r.signedIdentity()
	if err != nil {
		return nil, s.fail(err)
	}
	s.own = identity.Message

	echo, err := Sign(r.key, s.peerIdentity)
	if err != nil {
		return nil, s.fail(err)
	}
	s.state = StateAwaitingFinalEcho
	return &ResponderReply{Identity: identity, Echo: echo}, nil
}

// HandleEcho completes the handshake. The step 5 message must contain exactly the
// IdentityMessage sent in step 3a, signed by the Initiator key learned in step 2.
func (r *Responder) HandleEcho(s *Session, signed []byte) error {
	if err := checkRole(s, RoleResponder); err != nil {
		return err
	}
	if err := s.expect(StateAwaitingFinalEcho); err != nil {
		return err
	}

	echoed, err := ParseSignedMessage(signed)
	if err != nil {
		return s.fail(err)
	}
	if !s.own.Equal(echoed.Message[:]) {
		return s.fail(newError(FaultEchoMismatch, "responder message changed"))
	}
	if err = echoed.VerifyWith(s.peerKey); err != nil {
		return s.fail(err)
	}
	s.succeed()
	return nil
}
