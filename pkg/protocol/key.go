package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/teslamotors/keyexchange/internal/authentication"
)

// Expose some interfaces and types from the otherwise internal package

type PrivateKey authentication.PrivateKey

type PublicKey = authentication.PublicKey

type Nonce = authentication.Nonce

// LoadPrivateKey loads a PKCS #8 PEM-encoded Ed25519 private key from a file.
func LoadPrivateKey(filename string) (PrivateKey, error) {
	return authentication.LoadExternalKey(filename)
}

func SavePrivateKey(skey PrivateKey, filename string) error {
	pemKey, err := authentication.MarshalPrivateKeyPEM(skey)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, pemKey, 0600)
}

// GeneratePrivateKey creates a new Ed25519 key.
func GeneratePrivateKey() (PrivateKey, error) {
	return authentication.NewPrivateKey(nil)
}

// UnmarshalPrivateKey derives a key from a 32-byte seed. Returns nil if the seed is invalid.
func UnmarshalPrivateKey(seed []byte) PrivateKey {
	if key := authentication.UnmarshalPrivateKey(seed); key != nil {
		return key
	}
	return nil
}

// PublicKeyOf returns the public half of skey.
func PublicKeyOf(skey PrivateKey) (pkey PublicKey, err error) {
	publicBytes := skey.PublicBytes()
	if len(publicBytes) != authentication.PublicKeySize {
		return pkey, ErrInvalidPublicKey
	}
	copy(pkey[:], publicBytes)
	return pkey, nil
}

// LoadPublicKey loads an Ed25519 public key from a file.
//
// The function is flexible, supporting the following formats (note that this list includes private
// key files, for convenience):
//   - PKIX PEM ("BEGIN PUBLIC KEY")
//   - Non-password protected PKCS8 PEM ("BEGIN PRIVATE KEY")
//   - Binary public key (32 bytes)
//   - Hex-encoded public key (64 characters)
//   - Base64-encoded public key (44 characters)
func LoadPublicKey(filename string) (PublicKey, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return PublicKey{}, err
	}
	return ParsePublicKey(contents)
}

// ParsePublicKey decodes a public key in any of the formats accepted by LoadPublicKey.
func ParsePublicKey(contents []byte) (pkey PublicKey, err error) {
	if len(contents) == authentication.PublicKeySize {
		copy(pkey[:], contents)
		return pkey, nil
	}
	// Allow for trailing "\n" in text encodings.
	text := bytes.TrimSpace(contents)
	if len(text) == hex.EncodedLen(authentication.PublicKeySize) {
		if _, err = hex.Decode(pkey[:], text); err == nil {
			return pkey, nil
		}
	}
	if len(text) == base64.StdEncoding.EncodedLen(authentication.PublicKeySize) {
		var decoded []byte
		if decoded, err = base64.StdEncoding.DecodeString(string(text)); err == nil && len(decoded) == authentication.PublicKeySize {
			copy(pkey[:], decoded)
			return pkey, nil
		}
	}

	block, _ := pem.Decode(contents)
	if block == nil {
		return pkey, ErrInvalidPublicKey
	}

	var publicKey interface{}
	switch block.Type {
	case "PRIVATE KEY":
		skey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return pkey, err
		}
		if edPrivateKey, ok := skey.(ed25519.PrivateKey); ok {
			publicKey = edPrivateKey.Public()
		}
	case "PUBLIC KEY":
		if publicKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return pkey, err
		}
	default:
		return pkey, fmt.Errorf("unrecognized PEM block type %s", block.Type)
	}
	edPublicKey, ok := publicKey.(ed25519.PublicKey)
	if !ok {
		return pkey, ErrInvalidPublicKey
	}
	copy(pkey[:], edPublicKey)
	return pkey, nil
}

// MarshalPublicKeyPEM encodes pkey as a PKIX PEM block.
func MarshalPublicKeyPEM(pkey PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(ed25519.PublicKey(pkey[:]))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKeyFromHex verifies h encodes a public key and returns it.
func PublicKeyFromHex(h string) (pkey PublicKey, err error) {
	publicKeyBytes, err := hex.DecodeString(h)
	if err != nil {
		return pkey, err
	}
	if len(publicKeyBytes) != authentication.PublicKeySize {
		return pkey, ErrInvalidPublicKey
	}
	copy(pkey[:], publicKeyBytes)
	return pkey, nil
}
