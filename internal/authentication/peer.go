package authentication

import (
	"fmt"
)

// Peer contains the long-term material shared by Initiators and Responders. A Peer holds no
// per-handshake state, so a single Peer may run any number of concurrent sessions.
type Peer struct {
	key    PrivateKey
	public PublicKey
	nonces NonceSource
	replay ReplayFilter
}

// An Option configures an Initiator or Responder.
type Option func(*Peer)

// WithNonceSource replaces the default crypto/rand nonce source. Intended for tests that need
// deterministic nonces.
func WithNonceSource(nonces NonceSource) Option {
	return func(p *Peer) {
		p.nonces = nonces
	}
}

// WithReplayFilter rejects peer IdentityMessages whose (public key, nonce) pair the filter has
// already observed.
func WithReplayFilter(filter ReplayFilter) Option {
	return func(p *Peer) {
		p.replay = filter
	}
}

func newPeer(key PrivateKey, options []Option) (Peer, error) {
	if key == nil {
		return Peer{}, ErrInvalidPrivateKey
	}
	p := Peer{
		key:    key,
		nonces: RandomNonces{},
	}
	publicBytes := key.PublicBytes()
	if len(publicBytes) != PublicKeySize {
		return Peer{}, fmt.Errorf("%w: public key has %d bytes", ErrInvalidPrivateKey, len(publicBytes))
	}
	copy(p.public[:], publicBytes)
	for _, option := range options {
		option(&p)
	}
	return p, nil
}

// PublicKey returns the local public key.
func (p *Peer) PublicKey() PublicKey {
	return p.public
}

// signedIdentity generates a fresh IdentityMessage and signs it.
func (p *Peer) signedIdentity() (*SignedMessage, error) {
	nonce, err := p.nonces.Generate()
	if err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}
	message, err := EncodeIdentity(p.public[:], nonce[:])
	if err != nil {
		return nil, err
	}
	return Sign(p.key, message)
}

func (p *Peer) checkReplay(message IdentityMessage) error {
	if p.replay == nil {
		return nil
	}
	if !p.replay.Observe(message.PublicKey(), message.Nonce()) {
		return newErrorf(FaultReplayedNonce, "nonce %s already used by %s", message.Nonce(), message.PublicKey())
	}
	return nil
}

func checkRole(s *Session, role Role) error {
	if s == nil {
		return newError(FaultProtocolState, "no session")
	}
	if s.role != role {
		return s.fail(newErrorf(FaultProtocolState, "session belongs to a %s", s.role))
	}
	return nil
}
