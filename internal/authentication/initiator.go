package authentication

// An Initiator starts handshakes by sending its signed IdentityMessage (the "device" role).
//
//	Initiator                                  Responder
//	    |------ I[I] (signed identity) ------------>|  step 1
//	    |                                           |  step 2: verify, trust I
//	    |<----- R[R] (signed identity) -------------|  step 3a
//	    |<----- R[I] (echo of step 1) --------------|  step 3b
//	    |  step 4: verify, trust R                  |
//	    |------ I[R] (echo of step 3a) ------------>|  step 5
//	    |                                           |  step 6: verify
type Initiator struct {
	Peer
}

func NewInitiator(key PrivateKey, options ...Option) (*Initiator, error) {
	peer, err := newPeer(key, options)
	if err != nil {
		return nil, err
	}
	return &Initiator{Peer: peer}, nil
}

// Start creates a Session and returns the step 1 message: the Initiator's IdentityMessage with a
// fresh nonce, signed by the Initiator.
func (i *Initiator) Start() (*Session, *SignedMessage, error) {
	signed, err := i.signedIdentity()
	if err != nil {
		return nil, nil, err
	}
	s := &Session{
		role:  RoleInitiator,
		state: StateAwaitingResponderReply,
		own:   signed.Message,
	}
	return s, signed, nil
}

// HandleReply processes both step 3 messages and returns the step 5 echo.
//
// The Responder's self-signed identity must verify under its embedded public key, the echo must
// be byte-for-byte the IdentityMessage sent in step 1, and the echo's signature must verify under
// the Responder's key. The Responder's key is trusted only if all three checks pass.
func (i *Initiator) HandleReply(s *Session, identity, echo []byte) (*SignedMessage, error) {
	if err := checkRole(s, RoleInitiator); err != nil {
		return nil, err
	}
	if err := s.expect(StateAwaitingResponderReply); err != nil {
		return nil, err
	}

	responderIdentity, err := ParseSignedMessage(identity)
	if err != nil {
		return nil, s.fail(err)
	}
	if err = responderIdentity.VerifySelf(); err != nil {
		return nil, s.fail(err)
	}
	responderKey := responderIdentity.Message.PublicKey()

	echoed, err := ParseSignedMessage(echo)
	if err != nil {
		return nil, s.fail(err)
	}
	if !s.own.Equal(echoed.Message[:]) {
		return nil, s.fail(newError(FaultEchoMismatch, "initiator message changed"))
	}
	if err = echoed.VerifyWith(responderKey); err != nil {
		return nil, s.fail(err)
	}
	if err = i.checkReplay(responderIdentity.Message); err != nil {
		return nil, s.fail(err)
	}

	s.peerIdentity = responderIdentity.Message
	s.peerKey = responderKey
	s.peerKnown = true
	s.state = StatePeerIdentityVerified

	reply, err := Sign(i.key, s.peerIdentity)
	if err != nil {
		return nil, s.fail(err)
	}
	s.succeed()
	return reply, nil
}

// ApplyVerdict records the Responder's final verdict. A failed remote verdict fails s even if
// the Initiator's own checks succeeded.
func (i *Initiator) ApplyVerdict(s *Session, v Verdict) error {
	if err := checkRole(s, RoleInitiator); err != nil {
		return err
	}
	if !v.OK() {
		return s.fail(v.Err())
	}
	if s.state != StateSuccess {
		return s.fail(newErrorf(FaultProtocolState, "responder reported success in state %s", s.state))
	}
	return nil
}
