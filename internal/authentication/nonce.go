package authentication

import (
	"crypto/rand"
	"io"
)

// NonceSource produces nonces for new handshake attempts. Implementations must be safe for
// concurrent use.
type NonceSource interface {
	Generate() (Nonce, error)
}

// NonceSourceFunc adapts a function to the NonceSource interface.
type NonceSourceFunc func() (Nonce, error)

func (f NonceSourceFunc) Generate() (Nonce, error) {
	return f()
}

// RandomNonces draws nonces from Rand, or from crypto/rand if Rand is nil.
type RandomNonces struct {
	Rand io.Reader
}

func (r RandomNonces) Generate() (Nonce, error) {
	return NewNonce(r.Rand)
}

// NewNonce reads a nonce from rng (crypto/rand if rng is nil).
func NewNonce(rng io.Reader) (n Nonce, err error) {
	if rng == nil {
		rng = rand.Reader
	}
	if _, err = io.ReadFull(rng, n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}
