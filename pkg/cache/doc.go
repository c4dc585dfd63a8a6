// Package cache remembers which handshake nonces each peer has already used.
//
// The handshake binds every message to a fresh nonce, but it does not stop an attacker from
// replaying a recorded step 1 message to a Responder in a new session. A [NonceCache] plugged into
// a Responder (or Initiator) with authentication.WithReplayFilter rejects any (public key, nonce)
// pair it has seen before.
//
// A NonceCache keeps a bounded history per peer and a bounded number of peers, evicting the peer
// that completed a handshake least recently. A nonce evicted from the cache can be replayed, so
// size the cache for the expected number of handshakes between restarts.
//
// If a NonceCache is exported using its [NonceCache.Export] or [NonceCache.ExportToFile] methods,
// access controls should be used to prevent third parties from tampering with the data.
package cache
