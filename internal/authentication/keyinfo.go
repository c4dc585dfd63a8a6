package authentication

// Signs and verifies public key info documents that announce a key to a key service.

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AlgorithmEd25519 identifies the key type in a KeyInfo.
	AlgorithmEd25519 = "ECC_ED25519"
	// DefaultKeyValidityYears is how long a key announced with SignKeyInfo remains valid.
	DefaultKeyValidityYears = 5
)

var ErrInvalidKeyInfo = errors.New("invalid key info")

// KeyInfo describes a public key. The token carrying it is signed by the corresponding private
// key, which proves possession but says nothing about whether the key should be trusted.
type KeyInfo struct {
	HardwareDeviceID    string `json:"hwDeviceId"`
	PublicKey           string `json:"pubKey"`
	PublicKeyID         string `json:"pubKeyId,omitempty"`
	Algorithm           string `json:"algorithm"`
	PreviousPublicKeyID string `json:"previousPubKeyId,omitempty"`
	jwt.RegisteredClaims
}

// PublicKeyBytes decodes k.PublicKey.
func (k *KeyInfo) PublicKeyBytes() ([]byte, error) {
	publicKey, err := base64.StdEncoding.DecodeString(k.PublicKey)
	if err != nil || len(publicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key encoding", ErrInvalidKeyInfo)
	}
	return publicKey, nil
}

// signingMethodKey implements jwt.SigningMethod on top of the PrivateKey interface so that keys
// held outside the process can sign tokens. Tokens are standard EdDSA JWTs.
type signingMethodKey struct{}

var keySigningMethod signingMethodKey

func (signingMethodKey) Verify(signingString string, signature []byte, key interface{}) error {
	return jwt.SigningMethodEdDSA.Verify(signingString, signature, key)
}

func (signingMethodKey) Sign(signingString string, key interface{}) ([]byte, error) {
	skey, ok := key.(PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return skey.Sign([]byte(signingString))
}

func (signingMethodKey) Alg() string {
	return jwt.SigningMethodEdDSA.Alg()
}

// NewKeyInfo describes privateKey's public key for hwDeviceID. The key is valid from created until
// DefaultKeyValidityYears later.
func NewKeyInfo(privateKey PrivateKey, hwDeviceID string, created time.Time) *KeyInfo {
	publicKey := privateKey.PublicBytes()
	return &KeyInfo{
		HardwareDeviceID: hwDeviceID,
		PublicKey:        base64.StdEncoding.EncodeToString(publicKey),
		PublicKeyID:      PublicKeyID(publicKey),
		Algorithm:        AlgorithmEd25519,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(created),
			NotBefore: jwt.NewNumericDate(created),
			ExpiresAt: jwt.NewNumericDate(created.AddDate(DefaultKeyValidityYears, 0, 0)),
		},
	}
}

// SignKeyInfo returns a JWT announcing privateKey's public key for hwDeviceID.
func SignKeyInfo(privateKey PrivateKey, hwDeviceID string, created time.Time) (string, error) {
	return SignKeyInfoClaims(privateKey, NewKeyInfo(privateKey, hwDeviceID, created))
}

// SignKeyInfoClaims signs info as-is. The PublicKey field must match privateKey.
func SignKeyInfoClaims(privateKey PrivateKey, info *KeyInfo) (string, error) {
	token := jwt.NewWithClaims(&keySigningMethod, info)
	return token.SignedString(privateKey)
}

// VerifyKeyInfo checks that token is a valid, unexpired KeyInfo signed by the key it describes.
func VerifyKeyInfo(token string) (*KeyInfo, error) {
	var info KeyInfo
	_, err := jwt.ParseWithClaims(token, &info, func(t *jwt.Token) (interface{}, error) {
		claims, ok := t.Claims.(*KeyInfo)
		if !ok {
			return nil, ErrInvalidKeyInfo
		}
		publicKey, err := claims.PublicKeyBytes()
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(publicKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, err
	}
	if info.Algorithm != AlgorithmEd25519 {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidKeyInfo, info.Algorithm)
	}
	return &info, nil
}

// PublicKeyID returns a short identifier for a public key: the first eight bytes, hex encoded.
func PublicKeyID(publicKey []byte) string {
	if len(publicKey) > 8 {
		publicKey = publicKey[:8]
	}
	return fmt.Sprintf("%x", publicKey)
}
