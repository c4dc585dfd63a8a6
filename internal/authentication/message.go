package authentication

import (
	"crypto/subtle"
	"encoding/hex"
)

// PublicKey is an Ed25519 public key as it appears on the wire.
type PublicKey [PublicKeySize]byte

func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Nonce binds an IdentityMessage to a single handshake attempt.
type Nonce [NonceSize]byte

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// IdentityMessage is the signed payload of every handshake message:
//
//	[ public key | nonce ]
//	 0---------31 32---35
type IdentityMessage [IdentityMessageSize]byte

// EncodeIdentity concatenates publicKey and nonce.
func EncodeIdentity(publicKey, nonce []byte) (IdentityMessage, error) {
	var m IdentityMessage
	if len(publicKey) != PublicKeySize {
		return m, newErrorf(FaultMalformedInput, "public key must be %d bytes, got %d", PublicKeySize, len(publicKey))
	}
	if len(nonce) != NonceSize {
		return m, newErrorf(FaultMalformedInput, "nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	copy(m[:PublicKeySize], publicKey)
	copy(m[PublicKeySize:], nonce)
	return m, nil
}

func (m IdentityMessage) PublicKey() (p PublicKey) {
	copy(p[:], m[:PublicKeySize])
	return
}

func (m IdentityMessage) Nonce() (n Nonce) {
	copy(n[:], m[PublicKeySize:])
	return
}

// Equal compares m and other in constant time.
func (m IdentityMessage) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(m[:], other) == 1
}

func (m IdentityMessage) String() string {
	return hex.EncodeToString(m[:])
}

// SplitSigned separates a signed message into its 36-byte message and the remaining bytes. The
// length of the signature is not checked; use Verify or ParseSignedMessage for that.
func SplitSigned(b []byte) (message, signature []byte, err error) {
	if len(b) < IdentityMessageSize {
		return nil, nil, newErrorf(FaultMalformedInput, "signed message shorter than %d bytes", IdentityMessageSize)
	}
	return b[:IdentityMessageSize], b[IdentityMessageSize:], nil
}

// SignedMessage is an IdentityMessage followed by a signature over exactly those 36 bytes:
//
//	[ public key | nonce | signature ]
//	 0---------31 32---35 36-------99
type SignedMessage struct {
	Message   IdentityMessage
	Signature [SignatureSize]byte
}

// ParseSignedMessage decodes a complete 100-byte SignedMessage. The signature is not verified.
func ParseSignedMessage(b []byte) (*SignedMessage, error) {
	if len(b) != SignedMessageSize {
		return nil, newErrorf(FaultMalformedInput, "signed message must be %d bytes, got %d", SignedMessageSize, len(b))
	}
	message, signature, err := SplitSigned(b)
	if err != nil {
		return nil, err
	}
	var s SignedMessage
	copy(s.Message[:], message)
	copy(s.Signature[:], signature)
	return &s, nil
}

// Sign returns message signed by key.
func Sign(key PrivateKey, message IdentityMessage) (*SignedMessage, error) {
	signature, err := key.Sign(message[:])
	if err != nil {
		return nil, err
	}
	if len(signature) != SignatureSize {
		return nil, newErrorf(FaultMalformedInput, "signer produced %d byte signature", len(signature))
	}
	s := SignedMessage{Message: message}
	copy(s.Signature[:], signature)
	return &s, nil
}

// VerifyWith checks the signature under publicKey.
func (s *SignedMessage) VerifyWith(publicKey PublicKey) error {
	return Verify(publicKey[:], s.Message[:], s.Signature[:])
}

// VerifySelf checks the signature under the public key embedded in the message. Success proves
// the sender holds the corresponding private key, not that the key is trustworthy.
func (s *SignedMessage) VerifySelf() error {
	return s.VerifyWith(s.Message.PublicKey())
}

func (s *SignedMessage) Bytes() []byte {
	b := make([]byte, 0, SignedMessageSize)
	b = append(b, s.Message[:]...)
	return append(b, s.Signature[:]...)
}
