package authentication

// A ReplayFilter records (public key, nonce) pairs from verified IdentityMessages. Observe
// returns false if the pair has been observed before, in which case the handshake is rejected
// with FaultReplayedNonce.
//
// The handshake itself only guarantees fresh nonce generation; detecting stale messages across
// sessions is a policy layered on top through this interface. Implementations must be safe for
// concurrent use.
type ReplayFilter interface {
	Observe(publicKey PublicKey, nonce Nonce) bool
}

// ReplayFilterFunc adapts a function to the ReplayFilter interface.
type ReplayFilterFunc func(publicKey PublicKey, nonce Nonce) bool

func (f ReplayFilterFunc) Observe(publicKey PublicKey, nonce Nonce) bool {
	return f(publicKey, nonce)
}
