package authentication

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	PublicKeySize       = ed25519.PublicKeySize
	SeedSize            = ed25519.SeedSize
	SignatureSize       = ed25519.SignatureSize
	NonceSize           = 4
	IdentityMessageSize = PublicKeySize + NonceSize
	SignedMessageSize   = IdentityMessageSize + SignatureSize
)

var (
	// ErrInvalidPublicKey is an Error raised when a remote peer provides an invalid public key.
	ErrInvalidPublicKey = newError(FaultMalformedInput, "invalid public key")
	// ErrInvalidPrivateKey indicates the local peer tried to load an unsupported or malformed
	// private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// PrivateKey represents a local long-term signing key.
//
// The interface never divulges the private key, so implementations may keep the key in a
// secure element or HSM.
type PrivateKey interface {
	// PublicBytes returns the 32-byte Ed25519 public key.
	PublicBytes() []byte
	// Sign returns the 64-byte Ed25519 signature of message.
	Sign(message []byte) ([]byte, error)
}

// NativeKey implements PrivateKey using crypto/ed25519.
type NativeKey struct {
	ed25519.PrivateKey
}

func (n *NativeKey) PublicBytes() []byte {
	public := n.PrivateKey.Public().(ed25519.PublicKey)
	return append([]byte{}, public...)
}

func (n *NativeKey) Sign(message []byte) ([]byte, error) {
	if len(n.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return ed25519.Sign(n.PrivateKey, message), nil
}

// Seed returns the 32-byte seed the key was derived from.
func (n *NativeKey) Seed() []byte {
	return n.PrivateKey.Seed()
}

func NewPrivateKey(rng io.Reader) (PrivateKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	_, sk, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &NativeKey{sk}, nil
}

// UnmarshalPrivateKey derives a key from a 32-byte seed. Returns nil if the seed has the wrong
// length.
func UnmarshalPrivateKey(seed []byte) PrivateKey {
	if len(seed) != SeedSize {
		return nil
	}
	return &NativeKey{ed25519.NewKeyFromSeed(seed)}
}

// LoadExternalKey reads a PKCS #8 PEM-encoded Ed25519 private key from filename.
func LoadExternalKey(filename string) (PrivateKey, error) {
	pemBlock, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(pemBlock)
}

// ParsePrivateKeyPEM decodes a PKCS #8 PEM-encoded Ed25519 private key.
func ParsePrivateKeyPEM(pemBlock []byte) (PrivateKey, error) {
	block, _ := pem.Decode(pemBlock)
	if block == nil {
		return nil, fmt.Errorf("%w: expected PEM encoding", ErrInvalidPrivateKey)
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: unsupported PEM block type %s", ErrInvalidPrivateKey, block.Type)
	}
	privateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	sk, ok := privateKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: only Ed25519 keys supported", ErrInvalidPrivateKey)
	}
	return &NativeKey{sk}, nil
}

// MarshalPrivateKeyPEM encodes skey as a PKCS #8 PEM block. Only NativeKey values are
// exportable.
func MarshalPrivateKeyPEM(skey PrivateKey) ([]byte, error) {
	native, ok := skey.(*NativeKey)
	if !ok {
		return nil, fmt.Errorf("key is not exportable")
	}
	der, err := x509.MarshalPKCS8PrivateKey(native.PrivateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Verify checks that signature is a valid Ed25519 signature of message under publicKey.
//
// The caller supplies the key explicitly; whether the key is trusted is a protocol-level
// decision.
func Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != PublicKeySize {
		return newErrorf(FaultMalformedInput, "public key must be %d bytes, got %d", PublicKeySize, len(publicKey))
	}
	if len(signature) != SignatureSize {
		return newErrorf(FaultMalformedInput, "signature must be %d bytes, got %d", SignatureSize, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return newError(FaultBadSignature, "signature verification failed")
	}
	return nil
}

// wipe zeroes b. Best effort; the compiler may keep copies elsewhere.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
